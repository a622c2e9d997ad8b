package fanout

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/Nilanshjain/Wisp/internal/telemetry"
)

// Bus is the shared publish/subscribe fabric that mirrors delivery envelopes
// between gateway processes. The production implementation is NATS; tests
// use an in-process loopback.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe registers a handler for subject (wildcards allowed) and
	// returns an unsubscribe function. Every gateway instance subscribes
	// without a queue group: each process needs every envelope.
	Subscribe(subject string, handler func(ctx context.Context, subject string, data []byte)) (func(), error)
}

// NATSBus adapts a NATS connection to the Bus interface, propagating trace
// context in message headers.
type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc}
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	return telemetry.TracedPublish(ctx, b.nc, subject, data)
}

func (b *NATSBus) Subscribe(subject string, handler func(ctx context.Context, subject string, data []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "deliver envelope")
		defer span.End()
		handler(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() { sub.Unsubscribe() }, nil
}

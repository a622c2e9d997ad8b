// Package fanout mirrors emit calls across all gateway processes. Every
// process publishes outgoing envelopes to the shared bus and every process,
// the publisher included, replays matching envelopes into its local
// transport for the sockets it owns. A socket is only ever written to by the
// process that owns it, so one logical event reaches a client exactly once.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectPrefix    = "wisp.deliver."
	userSubjectBase  = subjectPrefix + "user."
	roomSubjectBase  = subjectPrefix + "room."
	broadcastSubject = subjectPrefix + "all"
)

// Envelope is one routed event on the bus.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// SocketID is the resolved target connection for direct envelopes; the
	// owning process matches it against its local sockets.
	SocketID string `json:"socketId,omitempty"`
	// ExcludeUserID suppresses delivery to the sender's own sockets on room
	// envelopes.
	ExcludeUserID string `json:"excludeUserId,omitempty"`
}

// Local is the process-local delivery surface the adapter replays envelopes
// into. *hub.Hub satisfies it.
type Local interface {
	HasSocket(socketID string) bool
	SocketForUser(userID string) (string, bool)
	EmitToSocket(socketID, event string, data []byte) bool
	EmitToRoom(room, event string, data []byte, excludeUserID string) int
	EmitToAll(event string, data []byte) int
}

// Adapter bridges the bus and the local transport.
type Adapter struct {
	bus    Bus
	local  Local
	log    *slog.Logger
	unsubs []func()

	delivered       metric.Int64Counter
	publishFailures metric.Int64Counter
}

func NewAdapter(bus Bus, local Local, log *slog.Logger) *Adapter {
	meter := otel.Meter("wisp-gateway")
	delivered, _ := meter.Int64Counter("fanout_local_deliveries_total",
		metric.WithDescription("Envelopes replayed into local sockets"))
	publishFailures, _ := meter.Int64Counter("fanout_publish_failures_total",
		metric.WithDescription("Bus publishes that fell back to local-only delivery"))
	return &Adapter{
		bus:             bus,
		local:           local,
		log:             log,
		delivered:       delivered,
		publishFailures: publishFailures,
	}
}

// Start subscribes this process to the delivery subjects.
func (a *Adapter) Start() error {
	subjects := []string{userSubjectBase + "*", roomSubjectBase + "*", broadcastSubject}
	for _, subject := range subjects {
		unsub, err := a.bus.Subscribe(subject, a.replay)
		if err != nil {
			a.Stop()
			return err
		}
		a.unsubs = append(a.unsubs, unsub)
	}
	return nil
}

// Stop drops the bus subscriptions.
func (a *Adapter) Stop() {
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
}

// replay delivers a bus envelope to the local sockets this process owns.
func (a *Adapter) replay(ctx context.Context, subject string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.log.WarnContext(ctx, "Invalid delivery envelope", "subject", subject, "error", err)
		return
	}

	switch {
	case strings.HasPrefix(subject, userSubjectBase):
		if !a.local.HasSocket(env.SocketID) {
			return // target attached to a sibling process
		}
		if a.local.EmitToSocket(env.SocketID, env.Event, env.Data) {
			a.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("target", "user")))
		}
	case strings.HasPrefix(subject, roomSubjectBase):
		room := strings.TrimPrefix(subject, roomSubjectBase)
		sent := a.local.EmitToRoom(room, env.Event, env.Data, env.ExcludeUserID)
		if sent > 0 {
			a.delivered.Add(ctx, int64(sent), metric.WithAttributes(attribute.String("target", "room")))
		}
	case subject == broadcastSubject:
		sent := a.local.EmitToAll(env.Event, env.Data)
		if sent > 0 {
			a.delivered.Add(ctx, int64(sent), metric.WithAttributes(attribute.String("target", "all")))
		}
	}
}

// LocalSocketForUser resolves userID against this process's own sockets,
// bypassing the shared store.
func (a *Adapter) LocalSocketForUser(userID string) (string, bool) {
	return a.local.SocketForUser(userID)
}

// SendToUser publishes a direct envelope for socketID. When the bus is
// unavailable the event is emitted locally instead; a target on a sibling
// process misses the realtime copy, which is the documented degradation.
func (a *Adapter) SendToUser(ctx context.Context, userID, socketID, event string, data []byte) {
	env := Envelope{Event: event, Data: data, SocketID: socketID}
	payload, _ := json.Marshal(env)
	if err := a.bus.Publish(ctx, userSubjectBase+userID, payload); err != nil {
		a.publishFailures.Add(ctx, 1)
		a.log.WarnContext(ctx, "Bus unavailable, attempting local-only delivery", "user", userID, "error", err)
		a.local.EmitToSocket(socketID, event, data)
	}
}

// SendToRoom publishes a room envelope.
func (a *Adapter) SendToRoom(ctx context.Context, roomID, event string, data []byte, excludeUserID string) {
	env := Envelope{Event: event, Data: data, ExcludeUserID: excludeUserID}
	payload, _ := json.Marshal(env)
	if err := a.bus.Publish(ctx, roomSubjectBase+roomID, payload); err != nil {
		a.publishFailures.Add(ctx, 1)
		a.log.WarnContext(ctx, "Bus unavailable, attempting local-only delivery", "room", roomID, "error", err)
		a.local.EmitToRoom(roomID, event, data, excludeUserID)
	}
}

// Broadcast publishes a global envelope (online snapshots).
func (a *Adapter) Broadcast(ctx context.Context, event string, data []byte) {
	env := Envelope{Event: event, Data: data}
	payload, _ := json.Marshal(env)
	if err := a.bus.Publish(ctx, broadcastSubject, payload); err != nil {
		a.publishFailures.Add(ctx, 1)
		a.log.WarnContext(ctx, "Bus unavailable, attempting local-only broadcast", "error", err)
		a.local.EmitToAll(event, data)
	}
}

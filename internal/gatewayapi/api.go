// Package gatewayapi exposes the delivery surface sibling services call
// after persisting something: sendDirect as NATS request/reply and
// broadcastToRoom as a published command. One gateway instance answers each
// call (queue group); the delivery itself rides the fanout bus so the target
// is reached wherever its socket lives.
package gatewayapi

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nilanshjain/Wisp/internal/router"
	"github.com/Nilanshjain/Wisp/internal/telemetry"
)

const (
	SendDirectSubject    = "wisp.rt.send.direct"
	BroadcastRoomSubject = "wisp.rt.broadcast.room"
	queueGroup           = "wisp-gateways"
)

// DirectRequest asks for best-effort delivery of one event to one user.
type DirectRequest struct {
	UserID string          `json:"userId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// DirectResponse reports whether a live socket was resolved. delivered=false
// is an expected outcome, not an error.
type DirectResponse struct {
	Delivered bool `json:"delivered"`
}

// RoomBroadcast asks for delivery of one event to every subscriber of a
// room, optionally excluding the sender.
type RoomBroadcast struct {
	GroupID       string          `json:"groupId"`
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	ExcludeUserID string          `json:"excludeUserId,omitempty"`
}

// Server owns the collaborator-facing subscriptions.
type Server struct {
	nc     *nats.Conn
	router *router.Router
	log    *slog.Logger
	subs   []*nats.Subscription

	requests metric.Int64Counter
}

func NewServer(nc *nats.Conn, rt *router.Router, log *slog.Logger) *Server {
	meter := otel.Meter("wisp-gateway")
	requests, _ := meter.Int64Counter("gatewayapi_requests_total",
		metric.WithDescription("Collaborator delivery requests, by subject and outcome"))
	return &Server{nc: nc, router: rt, log: log, requests: requests}
}

// Start registers the queue-group subscriptions.
func (s *Server) Start() error {
	sub, err := s.nc.QueueSubscribe(SendDirectSubject, queueGroup, s.handleSendDirect)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)

	sub, err = s.nc.QueueSubscribe(BroadcastRoomSubject, queueGroup, s.handleBroadcastRoom)
	if err != nil {
		s.Stop()
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Stop drops the subscriptions.
func (s *Server) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

func (s *Server) handleSendDirect(msg *nats.Msg) {
	ctx, span := telemetry.StartServerSpan(context.Background(), msg, "send direct")
	defer span.End()

	var req DirectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserID == "" || req.Event == "" {
		s.log.WarnContext(ctx, "Invalid sendDirect request", "error", err)
		s.respond(ctx, msg, DirectResponse{Delivered: false})
		return
	}
	span.SetAttributes(
		attribute.String("wisp.user", req.UserID),
		attribute.String("wisp.event", req.Event),
	)

	delivered := s.router.SendDirect(ctx, req.UserID, req.Event, req.Data)
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", SendDirectSubject),
		attribute.Bool("delivered", delivered),
	))
	s.respond(ctx, msg, DirectResponse{Delivered: delivered})
}

func (s *Server) handleBroadcastRoom(msg *nats.Msg) {
	ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "broadcast room")
	defer span.End()

	var req RoomBroadcast
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.GroupID == "" || req.Event == "" {
		s.log.WarnContext(ctx, "Invalid broadcastToRoom request", "error", err)
		return
	}
	span.SetAttributes(
		attribute.String("wisp.room", req.GroupID),
		attribute.String("wisp.event", req.Event),
	)

	s.router.BroadcastToRoom(ctx, req.GroupID, req.Event, req.Data, req.ExcludeUserID)
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", BroadcastRoomSubject),
	))
}

func (s *Server) respond(ctx context.Context, msg *nats.Msg, resp DirectResponse) {
	data, _ := json.Marshal(resp)
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.WarnContext(ctx, "Failed to respond to sendDirect", "error", err)
	}
}

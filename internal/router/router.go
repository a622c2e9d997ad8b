// Package router resolves outbound events to their targets and performs
// best-effort, at-most-once delivery. It is never the source of truth for a
// message's existence; the storage collaborator is.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nilanshjain/Wisp/internal/fanout"
	"github.com/Nilanshjain/Wisp/internal/presence"
)

// Outbound event names emitted by the gateway itself. Collaborator-triggered
// events (newMessage, newGroupMessage, messagesRead, groupMessageDeleted, …)
// arrive with their name already set.
const (
	EventOnlineUsers       = "getOnlineUsers"
	EventUserTyping        = "userTyping"
	EventUserTypingInGroup = "userTypingInGroup"
	EventGroupJoined       = "groupJoined"
)

// Router fans events out through the adapter after resolving their targets
// against the presence store.
type Router struct {
	store  presence.Store
	fanout *fanout.Adapter
	log    *slog.Logger

	directSends    metric.Int64Counter
	deliveryMisses metric.Int64Counter
	typingSignals  metric.Int64Counter
}

func New(store presence.Store, adapter *fanout.Adapter, log *slog.Logger) *Router {
	meter := otel.Meter("wisp-gateway")
	directSends, _ := meter.Int64Counter("router_direct_sends_total",
		metric.WithDescription("Direct events resolved to a live socket"))
	deliveryMisses, _ := meter.Int64Counter("router_delivery_misses_total",
		metric.WithDescription("Direct events whose target had no live socket"))
	typingSignals, _ := meter.Int64Counter("router_typing_signals_total",
		metric.WithDescription("Ephemeral typing signals relayed"))
	return &Router{
		store:          store,
		fanout:         adapter,
		log:            log,
		directSends:    directSends,
		deliveryMisses: deliveryMisses,
		typingSignals:  typingSignals,
	}
}

// SendDirect resolves userID's live socket and delivers one event to it.
// Returns false (never an error) when the user is offline or the id is
// unroutable; the durable copy is the storage collaborator's concern.
func (r *Router) SendDirect(ctx context.Context, userID, event string, payload any) bool {
	// Subject tokens are dot-separated; an id with a dot would be routed as
	// the wrong target.
	if userID == "" || strings.Contains(userID, ".") {
		r.log.WarnContext(ctx, "Unroutable user id", "user", userID, "event", event)
		return false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.WarnContext(ctx, "Failed to marshal direct payload", "event", event, "error", err)
		return false
	}

	socketID, ok := r.store.ResolveSocket(ctx, userID)
	if !ok {
		// A miss also covers a store outage, which degrades lookups to empty.
		// This process still tracks its own sockets, so a locally attached
		// target keeps receiving same-process events.
		socketID, ok = r.fanout.LocalSocketForUser(userID)
	}
	if !ok {
		r.deliveryMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
		return false
	}

	r.fanout.SendToUser(ctx, userID, socketID, event, data)
	r.directSends.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
	return true
}

// BroadcastToRoom delivers one event to every socket subscribed to roomID on
// any process, optionally excluding the sender's own sockets.
func (r *Router) BroadcastToRoom(ctx context.Context, roomID, event string, payload any, excludeUserID string) {
	if roomID == "" || strings.Contains(roomID, ".") {
		r.log.WarnContext(ctx, "Unroutable room id", "room", roomID, "event", event)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.WarnContext(ctx, "Failed to marshal room payload", "event", event, "error", err)
		return
	}
	r.fanout.SendToRoom(ctx, roomID, event, data, excludeUserID)
}

// BroadcastOnline pushes the current online-users snapshot to every socket
// on every process. Clients treat it as eventually consistent.
func (r *Router) BroadcastOnline(ctx context.Context) {
	online := r.store.ListOnline(ctx)
	if online == nil {
		online = []string{}
	}
	data, _ := json.Marshal(online)
	r.fanout.Broadcast(ctx, EventOnlineUsers, data)
}

type typingPayload struct {
	SenderID string `json:"senderId"`
	GroupID  string `json:"groupId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// RelayTyping forwards a typing indicator to one user. No buffering, no
// retry, no persistence: an offline target simply never sees it.
func (r *Router) RelayTyping(ctx context.Context, senderID, receiverID string, isTyping bool) {
	r.typingSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", "direct")))
	r.SendDirect(ctx, receiverID, EventUserTyping, typingPayload{SenderID: senderID, IsTyping: isTyping})
}

// RelayGroupTyping forwards a typing indicator to a room, excluding the
// sender.
func (r *Router) RelayGroupTyping(ctx context.Context, senderID, groupID string, isTyping bool) {
	r.typingSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", "group")))
	r.BroadcastToRoom(ctx, groupID, EventUserTypingInGroup,
		typingPayload{SenderID: senderID, GroupID: groupID, IsTyping: isTyping}, senderID)
}

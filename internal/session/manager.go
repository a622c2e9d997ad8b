// Package session drives one connection from handshake to teardown:
// Connecting → Authenticated → Active → Disconnecting → Closed, with a
// terminal Anonymous state for connections without a resolvable identity.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Nilanshjain/Wisp/internal/presence"
	"github.com/Nilanshjain/Wisp/internal/rooms"
	"github.com/Nilanshjain/Wisp/internal/router"
)

// State is the lifecycle position of one connection.
type State int

const (
	StateConnecting State = iota
	// StateAnonymous is terminal: the connection stays open, receives
	// broadcasts, but is excluded from presence and direct delivery.
	StateAnonymous
	StateAuthenticated
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscriber is the room-subscription surface of the local transport.
// *hub.Hub satisfies it.
type Subscriber interface {
	Join(socketID, room string)
	Leave(socketID, room string)
}

type sessionState struct {
	userID string
	state  State
}

// Manager owns the per-socket state machine. The internal lock guards only
// the session table; it is never held across a store, membership, or bus
// round trip.
type Manager struct {
	store    presence.Store
	resolver *rooms.Resolver
	router   *router.Router
	subs     Subscriber
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState

	connects metric.Int64Counter
	closes   metric.Int64Counter
}

func (m *Manager) withSessions(fn func(sessions map[string]*sessionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.sessions)
}

func NewManager(store presence.Store, resolver *rooms.Resolver, rt *router.Router, subs Subscriber, log *slog.Logger) *Manager {
	meter := otel.Meter("wisp-gateway")
	connects, _ := meter.Int64Counter("session_connects_total",
		metric.WithDescription("Connections registered, by terminal handshake state"))
	closes, _ := meter.Int64Counter("session_closes_total",
		metric.WithDescription("Connections torn down"))
	return &Manager{
		store:    store,
		resolver: resolver,
		router:   rt,
		subs:     subs,
		log:      log,
		sessions: make(map[string]*sessionState),
		connects: connects,
		closes:   closes,
	}
}

// State reports the lifecycle state of a socket.
func (m *Manager) State(socketID string) State {
	st := StateClosed
	m.withSessions(func(sessions map[string]*sessionState) {
		if sess, ok := sessions[socketID]; ok {
			st = sess.state
		}
	})
	return st
}

// Handle applies one transport intent to the state machine. Store and bus
// failures never terminate the connection; they degrade to local-only
// visibility.
func (m *Manager) Handle(ctx context.Context, in Intent) {
	switch in := in.(type) {
	case Connected:
		m.handleConnected(ctx, in)
	case Disconnected:
		m.handleDisconnected(ctx, in)
	case TypingSent:
		if userID, ok := m.activeUser(in.SocketID); ok {
			m.router.RelayTyping(ctx, userID, in.ReceiverID, in.IsTyping)
		}
	case GroupTypingSent:
		if userID, ok := m.activeUser(in.SocketID); ok {
			m.router.RelayGroupTyping(ctx, userID, in.GroupID, in.IsTyping)
		}
	case JoinRequested:
		m.handleJoin(ctx, in)
	case LeaveRequested:
		if _, ok := m.activeUser(in.SocketID); ok {
			m.subs.Leave(in.SocketID, in.GroupID)
		}
	}
}

func (m *Manager) handleConnected(ctx context.Context, in Connected) {
	sess := &sessionState{userID: in.UserID, state: StateConnecting}
	m.withSessions(func(sessions map[string]*sessionState) {
		sessions[in.SocketID] = sess
	})

	// Dots would corrupt shared-store keys and bus subject tokens; such an
	// identity is treated as unresolvable.
	if in.UserID == "" || strings.Contains(in.UserID, ".") {
		m.setState(in.SocketID, StateAnonymous)
		m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("state", "anonymous")))
		m.log.DebugContext(ctx, "Anonymous connection", "socket", in.SocketID)
		return
	}
	m.setState(in.SocketID, StateAuthenticated)

	// Two independent atomic writes; brief divergence between the online
	// set and the socket index is tolerated.
	m.store.MarkOnline(ctx, in.UserID, in.SocketID)
	m.store.MapSocket(ctx, in.SocketID, in.UserID)

	for _, room := range m.resolver.DurableRooms(ctx, in.UserID) {
		m.subs.Join(in.SocketID, room)
	}

	m.setState(in.SocketID, StateActive)
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("state", "active")))
	m.log.InfoContext(ctx, "Connection active", "socket", in.SocketID, "user", in.UserID)

	m.router.BroadcastOnline(ctx)
}

func (m *Manager) handleDisconnected(ctx context.Context, in Disconnected) {
	var userID string
	var known, anonymous bool
	m.withSessions(func(sessions map[string]*sessionState) {
		sess, ok := sessions[in.SocketID]
		if !ok {
			return
		}
		known = true
		userID = sess.userID
		anonymous = sess.state == StateAnonymous
		sess.state = StateDisconnecting
	})
	if !known {
		return
	}

	if !anonymous && userID != "" {
		// Conditional cleanup: a reconnect storm may have already replaced
		// this mapping, in which case nothing is cleared and the online
		// snapshot stays as-is.
		if _, wentOffline := m.store.UnmapSocket(ctx, in.SocketID); wentOffline {
			m.log.InfoContext(ctx, "User went offline", "socket", in.SocketID, "user", userID)
			m.router.BroadcastOnline(ctx)
		} else {
			m.log.DebugContext(ctx, "Stale disconnect, newer connection kept", "socket", in.SocketID, "user", userID)
		}
	}

	m.withSessions(func(sessions map[string]*sessionState) {
		if sess, ok := sessions[in.SocketID]; ok {
			sess.state = StateClosed
			delete(sessions, in.SocketID)
		}
	})
	m.closes.Add(ctx, 1)
}

func (m *Manager) handleJoin(ctx context.Context, in JoinRequested) {
	userID, ok := m.activeUser(in.SocketID)
	if !ok {
		return
	}
	if !m.resolver.Authorize(ctx, userID, in.GroupID) {
		// Silent rejection: the requester learns nothing about the room.
		m.log.DebugContext(ctx, "Join rejected", "socket", in.SocketID, "user", userID, "group", in.GroupID)
		return
	}
	m.subs.Join(in.SocketID, in.GroupID)
	m.router.SendDirect(ctx, userID, router.EventGroupJoined, map[string]string{"groupId": in.GroupID})
}

// activeUser returns the authenticated user behind an Active socket.
// Anonymous and mid-teardown sockets get nothing routed.
func (m *Manager) activeUser(socketID string) (string, bool) {
	var userID string
	var active bool
	m.withSessions(func(sessions map[string]*sessionState) {
		if sess, ok := sessions[socketID]; ok && sess.state == StateActive {
			userID = sess.userID
			active = true
		}
	})
	return userID, active
}

func (m *Manager) setState(socketID string, st State) {
	m.withSessions(func(sessions map[string]*sessionState) {
		if sess, ok := sessions[socketID]; ok {
			sess.state = st
		}
	})
}

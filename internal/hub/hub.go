// Package hub is the per-process transport layer: it owns the WebSocket
// clients attached to this gateway instance and their room subscriptions.
// Everything here is local; cross-process visibility is the fanout
// adapter's job.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Frame is the wire format for both directions: a named event with a JSON
// payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub indexes the sockets owned by this process and their room
// subscriptions.
type Hub struct {
	mu          sync.RWMutex
	sockets     map[string]*Client            // socketID → client
	users       map[string]string             // userID → socketID, last registered wins
	rooms       map[string]map[string]*Client // room → socketID → client
	socketRooms map[string]map[string]bool    // socketID → rooms, for teardown
	log         *slog.Logger
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		sockets:     make(map[string]*Client),
		users:       make(map[string]string),
		rooms:       make(map[string]map[string]*Client),
		socketRooms: make(map[string]map[string]bool),
		log:         log,
	}
}

// Register adds a client to the local socket index.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.sockets[c.ID] = c
	if c.UserID != "" {
		h.users[c.UserID] = c.ID
	}
	total := len(h.sockets)
	h.mu.Unlock()
	h.log.Debug("Socket registered", "socket", c.ID, "user", c.UserID, "local_sockets", total)
}

// Unregister removes a client from the socket index and every room it
// joined, and closes its send channel.
func (h *Hub) Unregister(socketID string) {
	h.mu.Lock()
	c, ok := h.sockets[socketID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sockets, socketID)
	// Conditional removal: a newer socket of the same user keeps the entry.
	if c.UserID != "" && h.users[c.UserID] == socketID {
		delete(h.users, c.UserID)
	}
	for room := range h.socketRooms[socketID] {
		if members, ok := h.rooms[room]; ok {
			delete(members, socketID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.socketRooms, socketID)
	total := len(h.sockets)
	h.mu.Unlock()

	c.close()
	h.log.Debug("Socket unregistered", "socket", socketID, "local_sockets", total)
}

// Join subscribes a local socket to a room. Unknown sockets are ignored.
func (h *Hub) Join(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.sockets[socketID]
	if !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][socketID] = c
	if h.socketRooms[socketID] == nil {
		h.socketRooms[socketID] = make(map[string]bool)
	}
	h.socketRooms[socketID][room] = true
}

// Leave removes a local socket from a room.
func (h *Hub) Leave(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.socketRooms[socketID]; ok {
		delete(rooms, room)
	}
}

// SocketForUser returns the socket attached to this process for userID, if
// any. It is the process-local complement of the shared presence store, used
// to keep same-process delivery alive while the store is unreachable.
func (h *Hub) SocketForUser(userID string) (string, bool) {
	if userID == "" {
		return "", false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	socketID, ok := h.users[userID]
	return socketID, ok
}

// HasSocket reports whether this process owns socketID.
func (h *Hub) HasSocket(socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sockets[socketID]
	return ok
}

// EmitToSocket sends one event to one local socket. Returns false when the
// socket is not attached here or its send buffer is full.
func (h *Hub) EmitToSocket(socketID, event string, data []byte) bool {
	// The read lock must be held across trySend: Unregister closes the send
	// channel only after it wins the write lock, so a queued frame can never
	// hit a closed channel.
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.sockets[socketID]
	if !ok {
		return false
	}
	return c.trySend(marshalFrame(event, data))
}

// EmitToRoom sends one event to every local socket subscribed to room,
// optionally skipping the sockets of excludeUserID. Returns the number of
// sockets written to.
func (h *Hub) EmitToRoom(room, event string, data []byte, excludeUserID string) int {
	payload := marshalFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.rooms[room] {
		if excludeUserID != "" && c.UserID == excludeUserID {
			continue
		}
		if c.trySend(payload) {
			sent++
		}
	}
	return sent
}

// EmitToAll sends one event to every local socket, anonymous ones included.
func (h *Hub) EmitToAll(event string, data []byte) int {
	payload := marshalFrame(event, data)
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for _, c := range h.sockets {
		if c.trySend(payload) {
			sent++
		}
	}
	return sent
}

// LocalSockets returns the number of sockets attached to this process.
func (h *Hub) LocalSockets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

func marshalFrame(event string, data []byte) []byte {
	payload, _ := json.Marshal(Frame{Event: event, Data: data})
	return payload
}

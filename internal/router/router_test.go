package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/Nilanshjain/Wisp/internal/fanout"
	"github.com/Nilanshjain/Wisp/internal/presence"
)

// loopbackBus delivers publishes synchronously to subscribers in-process.
type loopbackBus struct {
	mu       sync.Mutex
	handlers map[string][]func(ctx context.Context, subject string, data []byte)
	down     bool
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{handlers: make(map[string][]func(ctx context.Context, subject string, data []byte))}
}

func (b *loopbackBus) Publish(ctx context.Context, subject string, data []byte) error {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return errors.New("bus unavailable")
	}
	var matched []func(ctx context.Context, subject string, data []byte)
	for pattern, hs := range b.handlers {
		if pattern == subject {
			matched = append(matched, hs...)
			continue
		}
		if strings.HasSuffix(pattern, ".*") && strings.HasPrefix(subject, strings.TrimSuffix(pattern, "*")) {
			matched = append(matched, hs...)
		}
	}
	b.mu.Unlock()
	for _, h := range matched {
		h(ctx, subject, data)
	}
	return nil
}

func (b *loopbackBus) Subscribe(subject string, handler func(ctx context.Context, subject string, data []byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = append(b.handlers[subject], handler)
	return func() {}, nil
}

type emit struct {
	kind    string
	target  string
	event   string
	data    []byte
	exclude string
}

type recordingLocal struct {
	mu      sync.Mutex
	sockets map[string]bool
	users   map[string]string // userID → socketID
	emits   []emit
}

func newRecordingLocal(sockets ...string) *recordingLocal {
	l := &recordingLocal{sockets: make(map[string]bool), users: make(map[string]string)}
	for _, s := range sockets {
		l.sockets[s] = true
	}
	return l
}

func (l *recordingLocal) HasSocket(socketID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sockets[socketID]
}

func (l *recordingLocal) SocketForUser(userID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	socketID, ok := l.users[userID]
	return socketID, ok
}

func (l *recordingLocal) EmitToSocket(socketID, event string, data []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sockets[socketID] {
		return false
	}
	l.emits = append(l.emits, emit{kind: "socket", target: socketID, event: event, data: data})
	return true
}

func (l *recordingLocal) EmitToRoom(room, event string, data []byte, excludeUserID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emits = append(l.emits, emit{kind: "room", target: room, event: event, data: data, exclude: excludeUserID})
	return 1
}

func (l *recordingLocal) EmitToAll(event string, data []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emits = append(l.emits, emit{kind: "all", event: event, data: data})
	return 1
}

func (l *recordingLocal) all() []emit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]emit, len(l.emits))
	copy(out, l.emits)
	return out
}

func newTestRouter(t *testing.T, sockets ...string) (*Router, *presence.MemoryStore, *recordingLocal) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := presence.NewMemoryStore()
	local := newRecordingLocal(sockets...)
	adapter := fanout.NewAdapter(newLoopbackBus(), local, log)
	if err := adapter.Start(); err != nil {
		t.Fatal(err)
	}
	return New(store, adapter, log), store, local
}

func TestSendDirectOfflineUser(t *testing.T) {
	ctx := context.Background()
	r, _, local := newTestRouter(t)

	if r.SendDirect(ctx, "alice", "newMessage", map[string]string{"text": "hi"}) {
		t.Error("expected delivered=false for an offline user")
	}
	if emits := local.all(); len(emits) != 0 {
		t.Errorf("expected no delivery, got %v", emits)
	}
}

func TestSendDirectOnlineUser(t *testing.T) {
	ctx := context.Background()
	r, store, local := newTestRouter(t, "s1")
	store.MarkOnline(ctx, "alice", "s1")

	if !r.SendDirect(ctx, "alice", "newMessage", map[string]string{"text": "hi"}) {
		t.Fatal("expected delivered=true")
	}
	emits := local.all()
	if len(emits) != 1 || emits[0].kind != "socket" || emits[0].target != "s1" || emits[0].event != "newMessage" {
		t.Fatalf("expected one socket emit, got %v", emits)
	}
}

func TestSendDirectUnroutableID(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRouter(t)
	store.MarkOnline(ctx, "a.b", "s1")

	if r.SendDirect(ctx, "a.b", "newMessage", nil) {
		t.Error("an id with a subject separator must not be routed")
	}
	if r.SendDirect(ctx, "", "newMessage", nil) {
		t.Error("an empty id must not be routed")
	}
}

func TestSendDirectLocalSocketSurvivesStoreOutage(t *testing.T) {
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := newLoopbackBus()
	local := newRecordingLocal("s1")
	local.users["alice"] = "s1"
	adapter := fanout.NewAdapter(bus, local, log)
	if err := adapter.Start(); err != nil {
		t.Fatal(err)
	}
	r := New(presence.NewMemoryStore(), adapter, log)

	// The shared store has no record for alice (outage lookups degrade to
	// empty) and the bus is down too; the socket attached to this process
	// must still be reached.
	bus.down = true
	if !r.SendDirect(ctx, "alice", "newMessage", map[string]string{"text": "hi"}) {
		t.Fatal("expected delivery through the local socket index")
	}
	emits := local.all()
	if len(emits) != 1 || emits[0].kind != "socket" || emits[0].target != "s1" {
		t.Fatalf("expected one local socket emit, got %v", emits)
	}
}

func TestTypingToOfflineTargetDropped(t *testing.T) {
	ctx := context.Background()
	r, _, local := newTestRouter(t)

	// Must neither queue, retry, nor panic.
	r.RelayTyping(ctx, "alice", "bob", true)

	if emits := local.all(); len(emits) != 0 {
		t.Errorf("typing to an offline target must be dropped, got %v", emits)
	}
}

func TestGroupTypingExcludesSender(t *testing.T) {
	ctx := context.Background()
	r, _, local := newTestRouter(t)

	r.RelayGroupTyping(ctx, "alice", "g1", true)

	emits := local.all()
	if len(emits) != 1 || emits[0].kind != "room" || emits[0].target != "g1" {
		t.Fatalf("expected one room emit for g1, got %v", emits)
	}
	if emits[0].exclude != "alice" {
		t.Errorf("sender must be excluded from their own typing broadcast, got %q", emits[0].exclude)
	}
	if emits[0].event != EventUserTypingInGroup {
		t.Errorf("expected %s, got %s", EventUserTypingInGroup, emits[0].event)
	}
}

func TestBroadcastOnlineSnapshot(t *testing.T) {
	ctx := context.Background()
	r, store, local := newTestRouter(t)
	store.MarkOnline(ctx, "alice", "s1")
	store.MarkOnline(ctx, "bob", "s2")

	r.BroadcastOnline(ctx)

	emits := local.all()
	if len(emits) != 1 || emits[0].kind != "all" || emits[0].event != EventOnlineUsers {
		t.Fatalf("expected one %s broadcast, got %v", EventOnlineUsers, emits)
	}
	var users []string
	if err := json.Unmarshal(emits[0].data, &users); err != nil {
		t.Fatalf("snapshot payload must be a user list: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("expected 2 online users in snapshot, got %v", users)
	}
}

func TestBroadcastOnlineEmptySnapshot(t *testing.T) {
	ctx := context.Background()
	r, _, local := newTestRouter(t)

	r.BroadcastOnline(ctx)

	emits := local.all()
	if len(emits) != 1 {
		t.Fatalf("expected one broadcast, got %v", emits)
	}
	if string(emits[0].data) != "[]" {
		t.Errorf("empty snapshot must serialize as [], got %s", emits[0].data)
	}
}

package hub

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attach(t *testing.T, h *Hub, socketID, userID string) *Client {
	t.Helper()
	c := NewClient(socketID, userID, nil, discard())
	h.Register(c)
	return c
}

// drain reads every frame currently queued on a client.
func drain(c *Client) []Frame {
	var frames []Frame
	for {
		select {
		case payload, ok := <-c.SendChan():
			if !ok {
				return frames
			}
			var f Frame
			if err := json.Unmarshal(payload, &f); err == nil {
				frames = append(frames, f)
			}
		default:
			return frames
		}
	}
}

func TestRegisterAndEmitToSocket(t *testing.T) {
	h := New(discard())
	c := attach(t, h, "s1", "alice")

	if !h.HasSocket("s1") {
		t.Fatal("expected s1 to be attached")
	}
	if !h.EmitToSocket("s1", "newMessage", []byte(`{"text":"hi"}`)) {
		t.Fatal("expected emit to succeed")
	}
	frames := drain(c)
	if len(frames) != 1 || frames[0].Event != "newMessage" {
		t.Fatalf("expected one newMessage frame, got %v", frames)
	}
}

func TestEmitToUnknownSocket(t *testing.T) {
	h := New(discard())

	if h.EmitToSocket("nope", "newMessage", nil) {
		t.Error("emit to an unattached socket must report false")
	}
}

func TestRoomEmitExcludesUser(t *testing.T) {
	h := New(discard())
	alice := attach(t, h, "s1", "alice")
	bob := attach(t, h, "s2", "bob")
	h.Join("s1", "g1")
	h.Join("s2", "g1")

	sent := h.EmitToRoom("g1", "userTypingInGroup", []byte(`{}`), "alice")
	if sent != 1 {
		t.Fatalf("expected 1 recipient, got %d", sent)
	}
	if frames := drain(alice); len(frames) != 0 {
		t.Errorf("excluded user must receive nothing, got %v", frames)
	}
	if frames := drain(bob); len(frames) != 1 {
		t.Errorf("expected one frame for bob, got %v", frames)
	}
}

func TestJoinUnknownSocketIgnored(t *testing.T) {
	h := New(discard())
	h.Join("ghost", "g1")

	if sent := h.EmitToRoom("g1", "x", nil, ""); sent != 0 {
		t.Errorf("expected empty room, got %d recipients", sent)
	}
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	h := New(discard())
	c := attach(t, h, "s1", "alice")
	h.Join("s1", "g1")
	h.Leave("s1", "g1")

	if sent := h.EmitToRoom("g1", "x", nil, ""); sent != 0 {
		t.Errorf("expected no recipients after leave, got %d", sent)
	}
	if frames := drain(c); len(frames) != 0 {
		t.Errorf("expected no frames, got %v", frames)
	}
}

func TestUnregisterCleansRooms(t *testing.T) {
	h := New(discard())
	attach(t, h, "s1", "alice")
	h.Join("s1", "g1")
	h.Join("s1", "g2")

	h.Unregister("s1")

	if h.HasSocket("s1") {
		t.Error("socket must be gone after unregister")
	}
	if h.LocalSockets() != 0 {
		t.Errorf("expected 0 local sockets, got %d", h.LocalSockets())
	}
	if sent := h.EmitToRoom("g1", "x", nil, ""); sent != 0 {
		t.Error("room membership must be cleaned up with the socket")
	}
	// A second unregister is a no-op, not a panic.
	h.Unregister("s1")
}

func TestEmitToAllIncludesAnonymous(t *testing.T) {
	h := New(discard())
	alice := attach(t, h, "s1", "alice")
	anon := attach(t, h, "s2", "")

	sent := h.EmitToAll("getOnlineUsers", []byte(`["alice"]`))
	if sent != 2 {
		t.Fatalf("expected 2 recipients, got %d", sent)
	}
	if len(drain(alice)) != 1 || len(drain(anon)) != 1 {
		t.Error("every attached socket must receive broadcasts")
	}
}

func TestEmitDuringUnregisterDoesNotPanic(t *testing.T) {
	h := New(discard())

	// Emit and unregister race on the same socket: the emit must either win
	// the lookup and finish its send before the channel closes, or miss the
	// lookup entirely. Neither interleaving may write to a closed channel.
	for i := 0; i < 1000; i++ {
		attach(t, h, "s1", "alice")
		done := make(chan struct{})
		go func() {
			h.EmitToSocket("s1", "newMessage", nil)
			close(done)
		}()
		h.Unregister("s1")
		<-done
	}
}

func TestSocketForUser(t *testing.T) {
	h := New(discard())
	attach(t, h, "s1", "alice")
	attach(t, h, "s2", "")

	if socketID, ok := h.SocketForUser("alice"); !ok || socketID != "s1" {
		t.Errorf("expected s1 for alice, got %q %v", socketID, ok)
	}
	if _, ok := h.SocketForUser("bob"); ok {
		t.Error("unknown user must not resolve")
	}
	if _, ok := h.SocketForUser(""); ok {
		t.Error("anonymous sockets must not be resolvable by user")
	}

	h.Unregister("s1")
	if _, ok := h.SocketForUser("alice"); ok {
		t.Error("unregister must drop the user index entry")
	}
}

func TestSocketForUserKeepsNewerSocket(t *testing.T) {
	h := New(discard())
	attach(t, h, "s1", "alice")
	attach(t, h, "s2", "alice")

	// The stale socket's teardown must not evict the newer connection.
	h.Unregister("s1")
	if socketID, ok := h.SocketForUser("alice"); !ok || socketID != "s2" {
		t.Errorf("expected s2 for alice after stale unregister, got %q %v", socketID, ok)
	}
}

func TestSlowClientFramesDropped(t *testing.T) {
	h := New(discard())
	c := attach(t, h, "s1", "alice")

	// Nobody consumes the queue; once it is full, emits fail instead of
	// blocking the hub.
	for i := 0; i < sendBufferSize; i++ {
		if !h.EmitToSocket("s1", "newMessage", nil) {
			t.Fatalf("emit %d should still fit the buffer", i)
		}
	}
	if h.EmitToSocket("s1", "newMessage", nil) {
		t.Error("a full buffer must drop the frame, not block")
	}
	if got := len(drain(c)); got != sendBufferSize {
		t.Errorf("expected %d queued frames, got %d", sendBufferSize, got)
	}
}

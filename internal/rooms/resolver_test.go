package rooms

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

// failingMembership simulates a membership collaborator outage.
type failingMembership struct{}

func (failingMembership) ListActiveGroupIDs(context.Context, string) ([]string, error) {
	return nil, errors.New("membership store unavailable")
}

func (failingMembership) IsActiveMember(context.Context, string, string) (bool, error) {
	return false, errors.New("membership store unavailable")
}

func TestDurableRoomsForMember(t *testing.T) {
	r := NewResolver(StaticMembership{"alice": {"g1", "g2"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rooms := r.DurableRooms(context.Background(), "alice")
	if len(rooms) != 2 || rooms[0] != "g1" || rooms[1] != "g2" {
		t.Errorf("expected [g1 g2], got %v", rooms)
	}
}

func TestDurableRoomsForNonMember(t *testing.T) {
	r := NewResolver(StaticMembership{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if rooms := r.DurableRooms(context.Background(), "bob"); len(rooms) != 0 {
		t.Errorf("expected no rooms, got %v", rooms)
	}
}

func TestDurableRoomsOnCollaboratorFailure(t *testing.T) {
	r := NewResolver(failingMembership{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if rooms := r.DurableRooms(context.Background(), "alice"); rooms != nil {
		t.Errorf("a membership outage must yield no rooms, got %v", rooms)
	}
}

func TestAuthorizeMember(t *testing.T) {
	r := NewResolver(StaticMembership{"alice": {"g1"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if !r.Authorize(context.Background(), "alice", "g1") {
		t.Error("an active member must be authorized")
	}
}

func TestAuthorizeNonMember(t *testing.T) {
	r := NewResolver(StaticMembership{"alice": {"g1"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if r.Authorize(context.Background(), "alice", "g2") {
		t.Error("a non-member must be rejected")
	}
	if r.Authorize(context.Background(), "bob", "g1") {
		t.Error("an unknown user must be rejected")
	}
}

func TestAuthorizeOnCollaboratorFailure(t *testing.T) {
	r := NewResolver(failingMembership{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if r.Authorize(context.Background(), "alice", "g1") {
		t.Error("an unverifiable join must be rejected")
	}
}

// Package presence is the cross-process source of truth for which users
// currently have a live realtime connection, and which socket represents
// each of them.
//
// Two structures back it: a per-user presence record (the online set is
// derived from record existence) and a socket→user index used to resolve
// the owner of a disconnecting socket. They are mutated through independent
// single-key operations, so they may disagree briefly; the next connect or
// disconnect of the affected user self-heals.
package presence

import "context"

// Record is one user's presence entry: the socket that currently represents
// them (last writer wins) and when they were last seen, in epoch millis.
type Record struct {
	SocketID   string `json:"socketId"`
	LastSeenAt int64  `json:"lastSeenAt"`
}

// Store tracks online users and the socket↔user mapping. Implementations
// must degrade to no-ops and empty results when the backing store is
// unreachable: callers never see an error, only absence.
type Store interface {
	// MarkOnline records userID as online through socketID, overwriting any
	// prior mapping for that user. Idempotent.
	MarkOnline(ctx context.Context, userID, socketID string)

	// MarkOffline removes the user's presence record unconditionally.
	// Disconnect paths should use UnmapSocket instead, which only clears a
	// record still owned by the disconnecting socket.
	MarkOffline(ctx context.Context, userID string)

	// MapSocket records the socketID→userID index entry.
	MapSocket(ctx context.Context, socketID, userID string)

	// UnmapSocket removes the socket's index entry and, only when the
	// owner's presence record still points at socketID, clears that record
	// too (compare-and-delete). A delayed disconnect therefore never evicts
	// a newer connection's mapping. Returns the owning user and whether the
	// user's presence was cleared.
	UnmapSocket(ctx context.Context, socketID string) (userID string, wentOffline bool)

	// ResolveSocket returns the socket currently representing userID.
	ResolveSocket(ctx context.Context, userID string) (string, bool)

	// ResolveUser returns the owner of socketID.
	ResolveUser(ctx context.Context, socketID string) (string, bool)

	// ListOnline returns all users with a presence record.
	ListOnline(ctx context.Context) []string

	// Touch refreshes the user's lastSeen timestamp.
	Touch(ctx context.Context, userID string)
}

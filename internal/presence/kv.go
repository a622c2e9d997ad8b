package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	usersBucket   = "WISP_PRESENCE"
	socketsBucket = "WISP_SOCKETS"
)

// KVStore is the production Store, backed by two NATS JetStream KV buckets
// shared by every gateway instance: WISP_PRESENCE (userID → Record) and
// WISP_SOCKETS (socketID → userID). The online set is the key set of
// WISP_PRESENCE.
//
// Every failure is logged and swallowed: a gateway with an unreachable store
// keeps serving its local sockets with local-only visibility.
type KVStore struct {
	mu      sync.RWMutex
	users   nats.KeyValue
	sockets nats.KeyValue
	log     *slog.Logger
}

// NewKVStore creates (or binds to) the presence buckets. Presence is
// ephemeral by design, so both buckets live in memory storage with a single
// revision of history.
func NewKVStore(js nats.JetStreamContext, log *slog.Logger) (*KVStore, error) {
	s := &KVStore{log: log}
	if err := s.Reset(js); err != nil {
		return nil, err
	}
	return s, nil
}

// Reset re-creates the buckets and swaps the handles. Called at startup and
// from the NATS reconnect handler, where a restarted server may have lost
// the memory-storage buckets.
func (s *KVStore) Reset(js nats.JetStreamContext) error {
	users, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  usersBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return err
	}
	sockets, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  socketsBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users = users
	s.sockets = sockets
	s.mu.Unlock()
	return nil
}

func (s *KVStore) handles() (nats.KeyValue, nats.KeyValue) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users, s.sockets
}

func (s *KVStore) MarkOnline(ctx context.Context, userID, socketID string) {
	users, _ := s.handles()
	data, _ := json.Marshal(Record{SocketID: socketID, LastSeenAt: time.Now().UnixMilli()})
	if _, err := users.Put(userID, data); err != nil {
		s.log.WarnContext(ctx, "Presence store unavailable, markOnline skipped", "user", userID, "error", err)
	}
}

func (s *KVStore) MarkOffline(ctx context.Context, userID string) {
	users, _ := s.handles()
	if err := users.Delete(userID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		s.log.WarnContext(ctx, "Presence store unavailable, markOffline skipped", "user", userID, "error", err)
	}
}

func (s *KVStore) MapSocket(ctx context.Context, socketID, userID string) {
	_, sockets := s.handles()
	if _, err := sockets.Put(socketID, []byte(userID)); err != nil {
		s.log.WarnContext(ctx, "Presence store unavailable, mapSocket skipped", "socket", socketID, "error", err)
	}
}

func (s *KVStore) UnmapSocket(ctx context.Context, socketID string) (string, bool) {
	users, sockets := s.handles()

	entry, err := sockets.Get(socketID)
	if err != nil {
		if !errors.Is(err, nats.ErrKeyNotFound) {
			s.log.WarnContext(ctx, "Presence store unavailable, unmapSocket skipped", "socket", socketID, "error", err)
		}
		return "", false
	}
	userID := string(entry.Value())

	if err := sockets.Delete(socketID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		s.log.WarnContext(ctx, "Failed to delete socket mapping", "socket", socketID, "error", err)
	}

	rec, revision, ok := s.getRecord(ctx, users, userID)
	if !ok || rec.SocketID != socketID {
		// A newer connection owns the mapping now; this was a stale
		// disconnect and must not evict it.
		return userID, false
	}

	// CAS delete: if another instance (or a reconnect) touched the record
	// between the read and here, the revision no longer matches and the
	// delete is rejected.
	if err := users.Delete(userID, nats.LastRevision(revision)); err != nil {
		s.log.DebugContext(ctx, "Conditional presence delete lost the race", "user", userID, "error", err)
		return userID, false
	}
	return userID, true
}

func (s *KVStore) ResolveSocket(ctx context.Context, userID string) (string, bool) {
	users, _ := s.handles()
	rec, _, ok := s.getRecord(ctx, users, userID)
	if !ok {
		return "", false
	}
	return rec.SocketID, true
}

func (s *KVStore) ResolveUser(ctx context.Context, socketID string) (string, bool) {
	_, sockets := s.handles()
	entry, err := sockets.Get(socketID)
	if err != nil {
		if !errors.Is(err, nats.ErrKeyNotFound) {
			s.log.WarnContext(ctx, "Presence store unavailable, resolveUser empty", "socket", socketID, "error", err)
		}
		return "", false
	}
	return string(entry.Value()), true
}

func (s *KVStore) ListOnline(ctx context.Context) []string {
	users, _ := s.handles()
	keys, err := users.Keys()
	if err != nil {
		if !errors.Is(err, nats.ErrNoKeysFound) {
			s.log.WarnContext(ctx, "Presence store unavailable, listOnline empty", "error", err)
		}
		return nil
	}
	return keys
}

func (s *KVStore) Touch(ctx context.Context, userID string) {
	users, _ := s.handles()
	rec, _, ok := s.getRecord(ctx, users, userID)
	if !ok {
		return
	}
	rec.LastSeenAt = time.Now().UnixMilli()
	data, _ := json.Marshal(rec)
	if _, err := users.Put(userID, data); err != nil {
		s.log.WarnContext(ctx, "Presence store unavailable, touch skipped", "user", userID, "error", err)
	}
}

func (s *KVStore) getRecord(ctx context.Context, users nats.KeyValue, userID string) (Record, uint64, bool) {
	entry, err := users.Get(userID)
	if err != nil {
		if !errors.Is(err, nats.ErrKeyNotFound) {
			s.log.WarnContext(ctx, "Presence store unavailable, record lookup empty", "user", userID, "error", err)
		}
		return Record{}, 0, false
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		s.log.WarnContext(ctx, "Corrupt presence record", "user", userID, "error", err)
		return Record{}, 0, false
	}
	return rec, entry.Revision(), true
}

package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and single-instance
// deployments. It never fails.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record // userID → record
	sockets map[string]string // socketID → userID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		sockets: make(map[string]string),
	}
}

func (s *MemoryStore) MarkOnline(_ context.Context, userID, socketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[userID] = Record{SocketID: socketID, LastSeenAt: time.Now().UnixMilli()}
}

func (s *MemoryStore) MarkOffline(_ context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
}

func (s *MemoryStore) MapSocket(_ context.Context, socketID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[socketID] = userID
}

func (s *MemoryStore) UnmapSocket(_ context.Context, socketID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.sockets[socketID]
	if !ok {
		return "", false
	}
	delete(s.sockets, socketID)
	if rec, ok := s.records[userID]; ok && rec.SocketID == socketID {
		delete(s.records, userID)
		return userID, true
	}
	return userID, false
}

func (s *MemoryStore) ResolveSocket(_ context.Context, userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return "", false
	}
	return rec.SocketID, true
}

func (s *MemoryStore) ResolveUser(_ context.Context, socketID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID, ok := s.sockets[socketID]
	return userID, ok
}

func (s *MemoryStore) ListOnline(_ context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil
	}
	online := make([]string, 0, len(s.records))
	for userID := range s.records {
		online = append(online, userID)
	}
	return online
}

func (s *MemoryStore) Touch(_ context.Context, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[userID]; ok {
		rec.LastSeenAt = time.Now().UnixMilli()
		s.records[userID] = rec
	}
}

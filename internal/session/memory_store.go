package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryItem struct {
	session   *Session
	expiresAt time.Time
}

// MemoryStore keeps session documents in a map with the same TTL
// semantics as the Redis store. It is the transparent fallback when the
// durable store is unreachable; contents are lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	items map[string]memoryItem
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock: clock,
		items: make(map[string]memoryItem),
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if s.clock.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, id)
		s.mu.Unlock()
		return nil, nil
	}
	return item.session.clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sess.ID] = memoryItem{
		session:   sess.clone(),
		expiresAt: s.clock.Now().Add(DefaultTTL),
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	delete(s.items, id)
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	sessions := make([]*Session, 0, len(s.items))
	for _, item := range s.items {
		if now.After(item.expiresAt) {
			continue
		}
		sessions = append(sessions, item.session.clone())
	}
	return sessions, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)

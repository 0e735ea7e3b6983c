package db

import (
	"context"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"

	"voicechat/internal/domain"
)

// MemoryStore is a process-local session store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items *cache.Cache
	cap   int
}

func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{items: cache.New(cache.NoExpiration, 0), cap: capacity}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) SaveSession(_ context.Context, session domain.ConversationSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.Messages = append([]domain.Message(nil), session.Messages...)
	s.items.Set(session.ID, session, cache.NoExpiration)

	if s.cap > 0 && s.items.ItemCount() > s.cap {
		all := s.sortedLocked()
		for _, old := range all[s.cap:] {
			s.items.Delete(old.ID)
		}
	}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (domain.ConversationSession, error) {
	v, ok := s.items.Get(sessionID)
	if !ok {
		return domain.ConversationSession{}, ErrSessionNotFound
	}
	return v.(domain.ConversationSession), nil
}

func (s *MemoryStore) ListSessions(context.Context) ([]domain.ConversationSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(), nil
}

// sortedLocked returns every session, newest start first.
func (s *MemoryStore) sortedLocked() []domain.ConversationSession {
	items := s.items.Items()
	out := make([]domain.ConversationSession, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(domain.ConversationSession))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items.Get(sessionID); !ok {
		return ErrSessionNotFound
	}
	s.items.Delete(sessionID)
	return nil
}

func (s *MemoryStore) DeleteAllSessions(context.Context) error {
	s.items.Flush()
	return nil
}

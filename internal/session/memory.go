package session

import (
	"context"
	"sync"
	"time"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

type memoryEntry struct {
	session *models.Session
	expires time.Time
}

// MemoryStore is a single-process Store used for local runs and tests.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	sessions   map[string]*memoryEntry
	deliveries map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock lets tests drive expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:        now,
		sessions:   make(map[string]*memoryEntry),
		deliveries: make(map[string]time.Time),
	}
}

// liveLocked returns the entry for user, dropping it when expired.
func (s *MemoryStore) liveLocked(user string) *memoryEntry {
	entry, ok := s.sessions[user]
	if !ok {
		return nil
	}
	if !s.now().Before(entry.expires) {
		delete(s.sessions, user)
		return nil
	}
	return entry
}

func (s *MemoryStore) Get(_ context.Context, user string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveLocked(user)
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry.session.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, sess *models.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if entry := s.liveLocked(sess.User); entry != nil {
		current = entry.session.Version
	}
	if current != sess.Version {
		return ErrConflict
	}
	now := s.now()
	sess.Version = current + 1
	sess.UpdatedAt = now
	s.sessions[sess.User] = &memoryEntry{session: sess.Clone(), expires: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, user)
	return nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, user string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveLocked(user)
	if entry == nil {
		if version == 0 {
			return nil
		}
		return ErrConflict
	}
	if entry.session.Version != version {
		return ErrConflict
	}
	delete(s.sessions, user)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, user string) error {
	return s.Delete(ctx, user)
}

func (s *MemoryStore) MarkDelivery(_ context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.deliveries[deliveryID]; ok && now.Before(exp) {
		return false, nil
	}
	s.deliveries[deliveryID] = now.Add(ttl)
	return true, nil
}

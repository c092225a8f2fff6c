package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type entry struct {
	value    []byte
	expireAt time.Time // zero => no TTL
}

// Store is an in-process key-value store with per-key expiry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
	logger  *logrus.Logger
}

func NewStore(now func() time.Time, logger *logrus.Logger) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[string]entry),
		now:     now,
		logger:  logger,
	}
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"key": key, "ttl": ttl}).Debug("Memory store set")
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, found := s.entries[key]
	s.mu.RUnlock()

	if !found {
		s.logger.WithField("key", key).Debug("Memory store miss")
		return nil, false, nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && cur.expireAt.Equal(e.expireAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		s.logger.WithField("key", key).Debug("Memory store entry expired")
		return nil, false, nil
	}

	return append([]byte(nil), e.value...), true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	s.logger.WithField("key", key).Debug("Memory store delete")
	return nil
}

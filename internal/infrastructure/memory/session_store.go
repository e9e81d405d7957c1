// Package memory holds process-local stores.
package memory

import (
	"io"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// SessionStore keeps live sessions keyed by id. Every Get extends a session's
// lifetime; an idle session expires after the TTL and is closed on eviction.
type SessionStore[T io.Closer] struct {
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewSessionStore creates a store whose entries expire after ttl of inactivity
func NewSessionStore[T io.Closer](ttl time.Duration, logger *zap.Logger) *SessionStore[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	cleanup := ttl / 6
	if cleanup < time.Second {
		cleanup = time.Second
	}

	s := &SessionStore[T]{
		cache:  cache.New(ttl, cleanup),
		ttl:    ttl,
		logger: logger,
	}
	s.cache.OnEvicted(func(id string, v interface{}) {
		if err := v.(T).Close(); err != nil {
			logger.Warn("failed to close evicted session", zap.String("session_id", id), zap.Error(err))
			return
		}
		logger.Debug("session evicted", zap.String("session_id", id))
	})
	return s
}

// Save stores a session. It fails if the id is already live.
func (s *SessionStore[T]) Save(id string, v T) error {
	return s.cache.Add(id, v, cache.DefaultExpiration)
}

// Get returns the session and refreshes its expiry
func (s *SessionStore[T]) Get(id string) (T, bool) {
	var zero T
	x, found := s.cache.Get(id)
	if !found {
		return zero, false
	}
	s.cache.Set(id, x, cache.DefaultExpiration)
	return x.(T), true
}

// Delete removes and closes a session
func (s *SessionStore[T]) Delete(id string) {
	s.cache.Delete(id)
}

// IDs returns the live session ids in order
func (s *SessionStore[T]) IDs() []string {
	items := s.cache.Items()
	ids := make([]string, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of stored sessions, including expired ones not yet purged
func (s *SessionStore[T]) Len() int {
	return s.cache.ItemCount()
}

// Flush closes and removes every session
func (s *SessionStore[T]) Flush() {
	for id := range s.cache.Items() {
		s.cache.Delete(id)
	}
}

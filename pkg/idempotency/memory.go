package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryInbox is a single-process Processor used when no database is configured.
// Keys are forgotten after ttl or on restart.
type MemoryInbox struct {
	cache *cache.Cache
}

type memoryEntry struct {
	status Status
	result json.RawMessage
}

// NewMemoryInbox creates an in-memory inbox
func NewMemoryInbox(ttl time.Duration) *MemoryInbox {
	if ttl <= 0 {
		ttl = DefaultInboxConfig().DefaultTTL
	}
	return &MemoryInbox{cache: cache.New(ttl, 10*time.Minute)}
}

// Process executes fn unless key was already handled
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	// Add is atomic: only one caller claims a fresh key.
	if err := m.cache.Add(key, &memoryEntry{status: StatusStarted}, cache.DefaultExpiration); err != nil {
		x, found := m.cache.Get(key)
		if !found {
			return nil, ErrMessageInProgress
		}
		entry := x.(*memoryEntry)
		switch entry.status {
		case StatusFinished:
			return &ProcessResult{Result: entry.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("message previously failed permanently: %s", key)
		default:
			return nil, ErrMessageInProgress
		}
	}

	result, err := fn(ctx, payload)
	if err != nil {
		if IsTerminal(err) {
			m.cache.Set(key, &memoryEntry{status: StatusFailed}, cache.DefaultExpiration)
		} else {
			m.cache.Delete(key)
		}
		return nil, err
	}

	m.cache.Set(key, &memoryEntry{status: StatusFinished, result: result}, cache.DefaultExpiration)
	return &ProcessResult{IsNew: true, Result: result}, nil
}

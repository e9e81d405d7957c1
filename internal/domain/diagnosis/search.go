package diagnosis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/notice"
)

// Searcher looks up diagnosis codes by free text
type Searcher interface {
	SearchCodes(ctx context.Context, query string) ([]Item, error)
}

// Resolver holds the current code search results and the clinician's shortlist
type Resolver struct {
	searcher Searcher
	logger   *zap.Logger

	mu          sync.RWMutex
	results     []Item
	suggestions []Item
}

// NewResolver creates a code search resolver
func NewResolver(searcher Searcher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{searcher: searcher, logger: logger}
}

// Search replaces the result set. A blank query clears it without calling the service.
func (r *Resolver) Search(ctx context.Context, query string) ([]Item, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		r.mu.Lock()
		r.results = nil
		r.mu.Unlock()
		return []Item{}, nil
	}

	items, err := r.searcher.SearchCodes(ctx, q)
	if err != nil {
		r.logger.Warn("code search failed", zap.String("query", q), zap.Error(err))
		return nil, fmt.Errorf("search codes: %w", err)
	}
	for i := range items {
		items[i].IsPrimary = false
	}

	r.mu.Lock()
	r.results = cloneItems(items)
	r.mu.Unlock()

	if items == nil {
		items = []Item{}
	}
	return items, nil
}

// Results returns the last search results
func (r *Resolver) Results() []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneItems(r.results)
}

// Seed replaces the shortlist, e.g. with an item's best-guess codes
func (r *Resolver) Seed(items []Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suggestions = cloneItems(items)
	if r.suggestions == nil {
		r.suggestions = []Item{}
	}
}

// Suggestions returns the shortlist
func (r *Resolver) Suggestions() []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := cloneItems(r.suggestions)
	if out == nil {
		out = []Item{}
	}
	return out
}

// Toggle flips shortlist membership of item by id
func (r *Resolver) Toggle(item Item) notice.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.suggestions {
		if sameSuggestion(s, item) {
			r.suggestions = append(r.suggestions[:i:i], r.suggestions[i+1:]...)
			return notice.Info(fmt.Sprintf("%s removed from suggestions", item.Code))
		}
	}
	item.IsPrimary = false
	r.suggestions = append(r.suggestions, item)
	return notice.Success(fmt.Sprintf("%s added to suggestions", item.Code))
}

// sameSuggestion matches by id. Items without an id match on code only.
func sameSuggestion(s, item Item) bool {
	if item.ID != 0 {
		return s.ID == item.ID
	}
	key := codeKey(item.Code)
	return s.ID == 0 && key != "" && codeKey(s.Code) == key
}

// Contains reports whether the shortlist holds id. ID 0 is never held.
func (r *Resolver) Contains(id int64) bool {
	if id == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.suggestions {
		if s.ID == id {
			return true
		}
	}
	return false
}

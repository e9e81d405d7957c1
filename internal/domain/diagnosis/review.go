package diagnosis

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrConversionInFlight is returned when notes are submitted while a conversion is running
var ErrConversionInFlight = errors.New("a note conversion is already in progress")

// Suggestions is what the clinician picks from when resolving an item
type Suggestions struct {
	Key string `json:"key"`
	// Candidates is empty when the item needs a manual code search
	Candidates   []Item `json:"candidates"`
	ManualSearch bool   `json:"manual_search"`
}

// Review is the verification working set for one patient.
//
// When a primary exists it is always items[0]; the remaining items form the
// ordered secondary list.
type Review struct {
	pipeline *Pipeline
	resolver *Resolver
	logger   *zap.Logger

	mu         sync.Mutex
	items      []*Detailed
	owner      []Item
	converting bool
}

// NewReview starts an empty review for a patient whose current selection is owner
func NewReview(pipeline *Pipeline, resolver *Resolver, owner []Item, logger *zap.Logger) *Review {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Review{
		pipeline: pipeline,
		resolver: resolver,
		logger:   logger,
		owner:    cloneItems(owner),
	}
}

// Resolver returns the code search resolver bound to this review
func (r *Review) Resolver() *Resolver { return r.resolver }

// SetOwner refreshes the patient's selection used for capacity checks
func (r *Review) SetOwner(owner []Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = cloneItems(owner)
}

// Items returns a copy of the working set in display order
func (r *Review) Items() []Detailed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Detailed, len(r.items))
	for i, d := range r.items {
		out[i] = *d.clone()
	}
	return out
}

// Len returns the number of items under review
func (r *Review) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// AllVerified reports whether every item is verified
func (r *Review) AllVerified() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allVerified()
}

// AddMoreFromNotes converts note text and appends the new, non-duplicate items.
// The conversion call runs without holding the review lock.
func (r *Review) AddMoreFromNotes(ctx context.Context, text string) (*Conversion, error) {
	r.mu.Lock()
	if r.converting {
		r.mu.Unlock()
		return nil, ErrConversionInFlight
	}
	r.converting = true
	existing := make([]*Detailed, len(r.items))
	for i, d := range r.items {
		existing[i] = d.clone()
	}
	ownerCount := len(r.owner)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.converting = false
		r.mu.Unlock()
	}()

	conv, err := r.pipeline.Convert(ctx, text, existing, ownerCount)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Items may have been removed while converting; re-check against the live set.
	ids := make(map[int64]struct{}, len(r.items))
	texts := make(map[string]struct{}, len(r.items))
	for _, d := range r.items {
		remember(d, ids, texts)
	}
	added := conv.Added[:0]
	for _, d := range conv.Added {
		if seenBefore(d, ids, texts) {
			conv.Duplicates++
			continue
		}
		d.Assigned.IsPrimary = false
		remember(d, ids, texts)
		r.items = append(r.items, d)
		added = append(added, d.clone())
	}
	conv.Added = added

	return conv, nil
}

// KeepAsIs accepts the assigned code of a pending or clarification item
func (r *Review) KeepAsIs(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, _, err := r.find(key)
	if err != nil {
		return err
	}
	switch d.Status {
	case StatusVerified:
		return nil
	case StatusPending, StatusNeedsClarification:
	default:
		return ErrInvalidTransition
	}
	if strings.TrimSpace(d.Assigned.Code) == "" {
		return ErrNoAssignedCode
	}
	markVerified(d)
	return nil
}

// OpenSuggestions loads the item's candidates into the resolver shortlist.
// It does not change the item's status.
func (r *Review) OpenSuggestions(key string) (*Suggestions, error) {
	r.mu.Lock()
	d, _, err := r.find(key)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s := &Suggestions{Key: key, Candidates: []Item{}}
	if d.Status == StatusNeedsSearch {
		s.ManualSearch = true
	} else if len(d.BestGuessCodes) > 0 {
		s.Candidates = cloneItems(d.BestGuessCodes)
	}
	r.mu.Unlock()

	r.resolver.Seed(s.Candidates)
	return s, nil
}

// SelectSuggestion assigns the chosen code and verifies the item.
// The item keeps its primary flag.
func (r *Review) SelectSuggestion(key string, choice Item) error {
	if strings.TrimSpace(choice.Code) == "" {
		return ErrInvalidTransition
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, _, err := r.find(key)
	if err != nil {
		return err
	}
	primary := d.Assigned.IsPrimary
	d.Assigned = Item{
		ID:          choice.ID,
		Code:        choice.Code,
		Description: choice.Description,
		IsPrimary:   primary,
	}
	markVerified(d)
	return nil
}

// PromoteToPrimary makes the item primary. A previous primary is demoted and
// takes the promoted item's place in the secondary list.
func (r *Review) PromoteToPrimary(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, idx, err := r.find(key)
	if err != nil {
		return err
	}
	if d.Assigned.IsPrimary {
		return nil
	}

	if len(r.items) > 0 && r.items[0].Assigned.IsPrimary {
		prev := r.items[0]
		prev.Assigned.IsPrimary = false
		r.items[0], r.items[idx] = d, prev
	} else {
		copy(r.items[1:idx+1], r.items[0:idx])
		r.items[0] = d
	}
	d.Assigned.IsPrimary = true
	return nil
}

// DemoteFromPrimary clears the item's primary flag and places it at
// insertionIndex within the secondary list. The index is clamped. Calling it on
// a secondary item moves it.
func (r *Review) DemoteFromPrimary(key string, insertionIndex int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, idx, err := r.find(key)
	if err != nil {
		return err
	}

	rest := make([]*Detailed, 0, len(r.items))
	rest = append(rest, r.items[:idx]...)
	rest = append(rest, r.items[idx+1:]...)
	d.Assigned.IsPrimary = false

	var head []*Detailed
	if len(rest) > 0 && rest[0].Assigned.IsPrimary {
		head, rest = rest[:1], rest[1:]
	}

	if insertionIndex < 0 {
		insertionIndex = 0
	}
	if insertionIndex > len(rest) {
		insertionIndex = len(rest)
	}

	items := make([]*Detailed, 0, len(r.items))
	items = append(items, head...)
	items = append(items, rest[:insertionIndex]...)
	items = append(items, d)
	items = append(items, rest[insertionIndex:]...)
	r.items = items
	return nil
}

// RemoveItem deletes a secondary item from the working set
func (r *Review) RemoveItem(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, idx, err := r.find(key)
	if err != nil {
		return err
	}
	if d.Assigned.IsPrimary {
		return ErrPrimaryLocked
	}
	r.items = append(r.items[:idx:idx], r.items[idx+1:]...)
	return nil
}

// Submit returns the verified items as diagnosis items ready to merge.
// It fails without side effects unless every item is verified.
func (r *Review) Submit() ([]Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allVerified() {
		return nil, ErrNotAllVerified
	}
	out := make([]Item, 0, len(r.items))
	for _, d := range r.items {
		out = append(out, d.Assigned)
	}
	return out, nil
}

// Verified returns only the verified items, in order
func Verified(items []Detailed) []Item {
	out := make([]Item, 0, len(items))
	for _, d := range items {
		if d.Status == StatusVerified {
			out = append(out, d.Assigned)
		}
	}
	return out
}

func (r *Review) allVerified() bool {
	for _, d := range r.items {
		if d.Status != StatusVerified {
			return false
		}
	}
	return true
}

func (r *Review) find(key string) (*Detailed, int, error) {
	for i, d := range r.items {
		if d.Key == key {
			return d, i, nil
		}
	}
	return nil, -1, ErrItemNotFound
}

func markVerified(d *Detailed) {
	d.Status = StatusVerified
	d.Notes = VerifiedNote
	d.Queries = []Query{}
	d.BestGuessCodes = []Item{}
}

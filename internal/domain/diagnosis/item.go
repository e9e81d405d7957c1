// Package diagnosis implements diagnosis conversion, verification and the
// patient-level selected diagnosis set.
package diagnosis

import (
	"strings"
)

// MaxSelected is the most diagnoses a single patient may carry
const MaxSelected = 12

// Item is a coded diagnosis as exchanged with the chart collaborators
type Item struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	IsPrimary   bool   `json:"is_primary"`
}

// Query is a clarification question raised by the conversion service
type Query struct {
	Query string `json:"query"`
}

// Status is the verification state of a converted diagnosis
type Status string

const (
	StatusPending            Status = "pending"
	StatusNeedsClarification Status = "needs-clarification"
	StatusNeedsSearch        Status = "needs-search"
	StatusVerified           Status = "verified"
)

// VerifiedNote is the annotation written when an item is verified
const VerifiedNote = "Verified Match"

// Detailed is a candidate diagnosis produced from clinical note text.
// Status is authoritative; Notes is kept for display only.
type Detailed struct {
	Key                string  `json:"key"`
	PhysicianDiagnosis string  `json:"physician_diagnosis"`
	Notes              string  `json:"notes"`
	BestGuessCodes     []Item  `json:"best_guess_codes"`
	Queries            []Query `json:"queries"`
	Assigned           Item    `json:"assigned_icd_diagnosis"`
	Status             Status  `json:"status"`
}

// ClassifyNotes derives the initial status of a raw conversion result.
// It is applied once when results arrive from the conversion service.
func ClassifyNotes(notes string, queries []Query) Status {
	if len(queries) > 0 {
		return StatusNeedsClarification
	}
	n := strings.ToLower(strings.TrimSpace(notes))
	switch {
	case strings.HasPrefix(n, "not found"), strings.HasPrefix(n, "unable to determine"):
		return StatusNeedsSearch
	case strings.HasPrefix(n, "verified match"):
		return StatusVerified
	}
	return StatusPending
}

// CountPrimary returns how many items are flagged primary
func CountPrimary(items []Item) int {
	n := 0
	for _, it := range items {
		if it.IsPrimary {
			n++
		}
	}
	return n
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

func (d *Detailed) clone() *Detailed {
	c := *d
	c.BestGuessCodes = cloneItems(d.BestGuessCodes)
	if d.Queries != nil {
		c.Queries = make([]Query, len(d.Queries))
		copy(c.Queries, d.Queries)
	}
	return &c
}

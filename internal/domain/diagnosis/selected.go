package diagnosis

import "strings"

// MergeResult describes the outcome of a successful merge
type MergeResult struct {
	Items   []Item `json:"items"`
	Added   int    `json:"added"`
	Skipped int    `json:"skipped"`
}

// Merge appends verified candidates to a patient's selected diagnoses.
//
// Candidates are demoted when the owner already holds a primary, and only the
// first primary candidate survives otherwise. Candidates whose code is already
// present are skipped. If the result would exceed MaxSelected nothing is merged
// and ErrCapacityExceeded is returned. The owner slice is never modified.
func Merge(owner, candidates []Item) (*MergeResult, error) {
	hasPrimary := CountPrimary(owner) > 0

	seen := make(map[string]struct{}, len(owner)+len(candidates))
	for _, it := range owner {
		seen[codeKey(it.Code)] = struct{}{}
	}

	remaining := make([]Item, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		k := codeKey(c.Code)
		if _, dup := seen[k]; dup {
			skipped++
			continue
		}
		seen[k] = struct{}{}

		if c.IsPrimary {
			if hasPrimary {
				c.IsPrimary = false
			} else {
				hasPrimary = true
			}
		}
		remaining = append(remaining, c)
	}

	if len(owner)+len(remaining) > MaxSelected {
		return nil, ErrCapacityExceeded
	}

	out := make([]Item, 0, len(owner)+len(remaining))
	out = append(out, owner...)
	out = append(out, remaining...)
	return &MergeResult{Items: out, Added: len(remaining), Skipped: skipped}, nil
}

// Remove drops the item with the given id. The capacity limit only applies on insert.
func Remove(owner []Item, id int64) []Item {
	out := make([]Item, 0, len(owner))
	for _, it := range owner {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}

func codeKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

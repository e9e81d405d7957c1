package intake

// DuplicateEntry is a draft the chart flagged as a possible existing patient
type DuplicateEntry struct {
	Patient DraftPatient `json:"patient"`
	Message string       `json:"message"`
}

// DuplicateQueue holds prompted drafts in arrival order. Entries leave only
// through Pop, after the clinician confirms or cancels the head.
type DuplicateQueue struct {
	entries []DuplicateEntry
}

// Push appends an entry
func (q *DuplicateQueue) Push(e DuplicateEntry) {
	e.Patient = e.Patient.Clone()
	q.entries = append(q.entries, e)
}

// Peek returns the head without removing it
func (q *DuplicateQueue) Peek() (DuplicateEntry, bool) {
	if len(q.entries) == 0 {
		return DuplicateEntry{}, false
	}
	e := q.entries[0]
	e.Patient = e.Patient.Clone()
	return e, true
}

// Pop removes and returns the head
func (q *DuplicateQueue) Pop() (DuplicateEntry, bool) {
	e, ok := q.Peek()
	if !ok {
		return e, false
	}
	q.entries[0] = DuplicateEntry{}
	q.entries = q.entries[1:]
	return e, true
}

// Len returns the number of drafts awaiting a duplicate decision
func (q *DuplicateQueue) Len() int { return len(q.entries) }

// Reset drops every entry
func (q *DuplicateQueue) Reset() { q.entries = nil }

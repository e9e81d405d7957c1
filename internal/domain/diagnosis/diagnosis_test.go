package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- fakes --

type fakeConverter struct {
	resp  *ConvertResponse
	err   error
	calls int
	texts []string
}

func (f *fakeConverter) ConvertNotes(_ context.Context, text string) (*ConvertResponse, error) {
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &ConvertResponse{}, nil
	}
	// hand out a fresh copy each time, as a real service would
	out := &ConvertResponse{DetailedDiagnoses: make([]Detailed, len(f.resp.DetailedDiagnoses))}
	for i, d := range f.resp.DetailedDiagnoses {
		out.DetailedDiagnoses[i] = *d.clone()
	}
	return out, nil
}

type fakeSearcher struct {
	items []Item
	calls int
}

func (f *fakeSearcher) SearchCodes(_ context.Context, _ string) ([]Item, error) {
	f.calls++
	return cloneItems(f.items), nil
}

func threeDiagnoses() *ConvertResponse {
	return &ConvertResponse{DetailedDiagnoses: []Detailed{
		{
			PhysicianDiagnosis: "Type 2 diabetes",
			Notes:              "Best guess from notes",
			BestGuessCodes:     []Item{{ID: 11, Code: "E11.9", Description: "Type 2 diabetes without complications"}},
			Assigned:           Item{ID: 11, Code: "E11.9", Description: "Type 2 diabetes without complications", IsPrimary: true},
		},
		{
			PhysicianDiagnosis: "Chest pain",
			Notes:              "Needs clarification",
			Queries:            []Query{{Query: "clarify dx"}},
			Assigned:           Item{ID: 22, Code: "R07.9", Description: "Chest pain, unspecified"},
		},
		{
			PhysicianDiagnosis: "Hypertension",
			Notes:              "Verified match against I10",
			Assigned:           Item{ID: 33, Code: "I10", Description: "Essential hypertension"},
		},
	}}
}

func newTestReview(t *testing.T, conv *fakeConverter, owner []Item) *Review {
	t.Helper()
	return NewReview(NewPipeline(conv, nil), NewResolver(&fakeSearcher{}, nil), owner, nil)
}

func keyOf(t *testing.T, r *Review, text string) string {
	t.Helper()
	for _, d := range r.Items() {
		if d.PhysicianDiagnosis == text {
			return d.Key
		}
	}
	t.Fatalf("no review item %q", text)
	return ""
}

// -- classification --

func TestClassifyNotes(t *testing.T) {
	tests := []struct {
		name    string
		notes   string
		queries []Query
		want    Status
	}{
		{name: "verified prefix", notes: "Verified Match", want: StatusVerified},
		{name: "verified lower case", notes: "verified match: I10", want: StatusVerified},
		{name: "not found", notes: "Not found in code set", want: StatusNeedsSearch},
		{name: "unable to determine", notes: "  Unable to determine code", want: StatusNeedsSearch},
		{name: "queries win", notes: "Verified Match", queries: []Query{{Query: "which side?"}}, want: StatusNeedsClarification},
		{name: "anything else", notes: "closest match", want: StatusPending},
		{name: "empty", notes: "", want: StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyNotes(tt.notes, tt.queries))
		})
	}
}

// -- merge --

func TestMerge_DemotesWhenOwnerHasPrimary(t *testing.T) {
	owner := []Item{{ID: 3, Code: "C3", IsPrimary: true}}
	candidates := []Item{{ID: 1, Code: "A1", IsPrimary: true}, {ID: 2, Code: "B2"}}

	res, err := Merge(owner, candidates)
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, Item{ID: 3, Code: "C3", IsPrimary: true}, res.Items[0])
	assert.Equal(t, Item{ID: 1, Code: "A1", IsPrimary: false}, res.Items[1])
	assert.Equal(t, Item{ID: 2, Code: "B2", IsPrimary: false}, res.Items[2])
	assert.Equal(t, 1, CountPrimary(res.Items))
}

func TestMerge_KeepsSinglePrimaryAmongCandidates(t *testing.T) {
	res, err := Merge(nil, []Item{
		{ID: 1, Code: "A1", IsPrimary: true},
		{ID: 2, Code: "B2", IsPrimary: true},
	})
	require.NoError(t, err)
	assert.True(t, res.Items[0].IsPrimary)
	assert.False(t, res.Items[1].IsPrimary)
}

func TestMerge_DedupesByCode(t *testing.T) {
	owner := []Item{{ID: 1, Code: "I10"}}
	res, err := Merge(owner, []Item{{ID: 99, Code: "i10 "}, {ID: 2, Code: "E11.9"}, {ID: 3, Code: "E11.9"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Skipped)
	assert.Len(t, res.Items, 2)
}

func TestMerge_RejectsOverCapacityAtomically(t *testing.T) {
	owner := make([]Item, 11)
	for i := range owner {
		owner[i] = Item{ID: int64(i + 1), Code: fmt.Sprintf("X%02d", i)}
	}
	before := cloneItems(owner)

	_, err := Merge(owner, []Item{{ID: 100, Code: "N1"}, {ID: 101, Code: "N2"}})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, before, owner)

	res, err := Merge(owner, []Item{{ID: 100, Code: "N1"}})
	require.NoError(t, err)
	assert.Len(t, res.Items, MaxSelected)
}

func TestRemove(t *testing.T) {
	owner := []Item{{ID: 1, Code: "A", IsPrimary: true}, {ID: 2, Code: "B"}}
	out := Remove(owner, 1)
	assert.Equal(t, []Item{{ID: 2, Code: "B"}}, out)
	assert.Len(t, owner, 2)
}

// -- pipeline --

func TestPipeline_Preconditions(t *testing.T) {
	conv := &fakeConverter{resp: threeDiagnoses()}
	p := NewPipeline(conv, nil)

	_, err := p.Convert(context.Background(), "   ", nil, 0)
	assert.ErrorIs(t, err, ErrEmptyNote)

	_, err = p.Convert(context.Background(), "notes", nil, MaxSelected)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	assert.Equal(t, 0, conv.calls)
}

func TestPipeline_ClassifiesAndForcesSecondary(t *testing.T) {
	p := NewPipeline(&fakeConverter{resp: threeDiagnoses()}, nil)

	res, err := p.Convert(context.Background(), "note text", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Added, 3)

	assert.Equal(t, StatusPending, res.Added[0].Status)
	assert.Equal(t, StatusNeedsClarification, res.Added[1].Status)
	assert.Equal(t, StatusVerified, res.Added[2].Status)
	for _, d := range res.Added {
		assert.False(t, d.Assigned.IsPrimary)
		assert.NotEmpty(t, d.Key)
	}
}

func TestPipeline_DedupesByIDAndText(t *testing.T) {
	existing := []*Detailed{
		{PhysicianDiagnosis: "other wording", Assigned: Item{ID: 11}},
		{PhysicianDiagnosis: "  CHEST PAIN "},
	}
	p := NewPipeline(&fakeConverter{resp: threeDiagnoses()}, nil)

	res, err := p.Convert(context.Background(), "note text", existing, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicates)
	require.Len(t, res.Added, 1)
	assert.Equal(t, "Hypertension", res.Added[0].PhysicianDiagnosis)
}

func TestPipeline_EmptyResultIsInformational(t *testing.T) {
	p := NewPipeline(&fakeConverter{}, nil)
	res, err := p.Convert(context.Background(), "note text", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Equal(t, "info", string(res.Notice.Level))
}

func TestPipeline_WrapsServiceError(t *testing.T) {
	boom := errors.New("nlp down")
	p := NewPipeline(&fakeConverter{err: boom}, nil)
	_, err := p.Convert(context.Background(), "note text", nil, 0)
	assert.ErrorIs(t, err, boom)
}

// -- review --

func TestReview_ConvertingSameNotesTwiceAddsNothing(t *testing.T) {
	conv := &fakeConverter{resp: threeDiagnoses()}
	r := newTestReview(t, conv, nil)

	first, err := r.AddMoreFromNotes(context.Background(), "same note")
	require.NoError(t, err)
	assert.Len(t, first.Added, 3)

	second, err := r.AddMoreFromNotes(context.Background(), "same note")
	require.NoError(t, err)
	assert.Empty(t, second.Added)
	assert.Equal(t, 3, second.Duplicates)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, conv.calls)
}

func TestReview_KeepAsIsOnClarification(t *testing.T) {
	r := newTestReview(t, &fakeConverter{resp: threeDiagnoses()}, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	chest := keyOf(t, r, "Chest pain")
	require.NoError(t, r.KeepAsIs(chest))

	for _, d := range r.Items() {
		if d.Key == chest {
			assert.Equal(t, "Verified Match", d.Notes)
			assert.Equal(t, []Query{}, d.Queries)
			assert.Equal(t, StatusVerified, d.Status)
		}
	}

	// diabetes is still pending
	_, err = r.Submit()
	assert.ErrorIs(t, err, ErrNotAllVerified)

	require.NoError(t, r.KeepAsIs(keyOf(t, r, "Type 2 diabetes")))
	items, err := r.Submit()
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestReview_KeepAsIsNeedsAssignedCode(t *testing.T) {
	conv := &fakeConverter{resp: &ConvertResponse{DetailedDiagnoses: []Detailed{
		{PhysicianDiagnosis: "vague pain", Notes: "Needs clarification", Queries: []Query{{Query: "where?"}}},
	}}}
	r := newTestReview(t, conv, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	key := keyOf(t, r, "vague pain")
	err = r.KeepAsIs(key)
	assert.ErrorIs(t, err, ErrNoAssignedCode)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusNeedsClarification, r.Items()[0].Status)
}

func TestReview_KeepAsIsRejectsNeedsSearch(t *testing.T) {
	conv := &fakeConverter{resp: &ConvertResponse{DetailedDiagnoses: []Detailed{
		{PhysicianDiagnosis: "odd rash", Notes: "Not found"},
	}}}
	r := newTestReview(t, conv, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	key := keyOf(t, r, "odd rash")
	assert.ErrorIs(t, r.KeepAsIs(key), ErrInvalidTransition)

	s, err := r.OpenSuggestions(key)
	require.NoError(t, err)
	assert.True(t, s.ManualSearch)
	assert.Empty(t, s.Candidates)
	assert.Empty(t, r.Resolver().Suggestions())

	require.NoError(t, r.SelectSuggestion(key, Item{ID: 77, Code: "L30.9", Description: "Dermatitis"}))
	items, err := r.Submit()
	require.NoError(t, err)
	assert.Equal(t, []Item{{ID: 77, Code: "L30.9", Description: "Dermatitis"}}, items)
}

func TestReview_OpenSuggestionsSeedsResolver(t *testing.T) {
	r := newTestReview(t, &fakeConverter{resp: threeDiagnoses()}, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	key := keyOf(t, r, "Type 2 diabetes")
	s, err := r.OpenSuggestions(key)
	require.NoError(t, err)
	assert.False(t, s.ManualSearch)
	assert.Len(t, s.Candidates, 1)
	assert.True(t, r.Resolver().Contains(11))

	for _, d := range r.Items() {
		if d.Key == key {
			assert.Equal(t, StatusPending, d.Status)
		}
	}
}

func TestReview_PrimaryPromotionAndDemotion(t *testing.T) {
	r := newTestReview(t, &fakeConverter{resp: threeDiagnoses()}, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	dm := keyOf(t, r, "Type 2 diabetes")
	cp := keyOf(t, r, "Chest pain")
	ht := keyOf(t, r, "Hypertension")

	primaries := func() int {
		n := 0
		for _, d := range r.Items() {
			if d.Assigned.IsPrimary {
				n++
			}
		}
		return n
	}

	assert.Equal(t, 0, primaries())

	require.NoError(t, r.PromoteToPrimary(ht))
	assert.Equal(t, 1, primaries())
	assert.Equal(t, ht, r.Items()[0].Key)

	require.NoError(t, r.PromoteToPrimary(cp))
	assert.Equal(t, 1, primaries())
	items := r.Items()
	assert.Equal(t, cp, items[0].Key)
	// the old primary takes the promoted item's slot
	assert.Equal(t, []string{cp, dm, ht}, []string{items[0].Key, items[1].Key, items[2].Key})

	assert.ErrorIs(t, r.RemoveItem(cp), ErrPrimaryLocked)

	require.NoError(t, r.DemoteFromPrimary(cp, 1))
	assert.Equal(t, 0, primaries())
	items = r.Items()
	assert.Equal(t, []string{dm, cp, ht}, []string{items[0].Key, items[1].Key, items[2].Key})

	require.NoError(t, r.RemoveItem(cp))
	assert.Equal(t, 2, r.Len())
}

func TestReview_DemoteClampsIndex(t *testing.T) {
	r := newTestReview(t, &fakeConverter{resp: threeDiagnoses()}, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	dm := keyOf(t, r, "Type 2 diabetes")
	require.NoError(t, r.PromoteToPrimary(dm))
	require.NoError(t, r.DemoteFromPrimary(dm, 99))
	items := r.Items()
	assert.Equal(t, dm, items[len(items)-1].Key)
}

func TestReview_SelectSuggestionKeepsPrimaryFlag(t *testing.T) {
	r := newTestReview(t, &fakeConverter{resp: threeDiagnoses()}, nil)
	_, err := r.AddMoreFromNotes(context.Background(), "note")
	require.NoError(t, err)

	dm := keyOf(t, r, "Type 2 diabetes")
	require.NoError(t, r.PromoteToPrimary(dm))
	require.NoError(t, r.SelectSuggestion(dm, Item{ID: 12, Code: "E11.65", Description: "with hyperglycemia"}))

	d := r.Items()[0]
	assert.True(t, d.Assigned.IsPrimary)
	assert.Equal(t, "E11.65", d.Assigned.Code)
	assert.Equal(t, StatusVerified, d.Status)
	assert.Empty(t, d.BestGuessCodes)

	assert.ErrorIs(t, r.SelectSuggestion(dm, Item{}), ErrInvalidTransition)
	assert.ErrorIs(t, r.KeepAsIs("missing"), ErrItemNotFound)
}

func TestReview_AddMoreRespectsOwnerCapacity(t *testing.T) {
	owner := make([]Item, MaxSelected)
	conv := &fakeConverter{resp: threeDiagnoses()}
	r := newTestReview(t, conv, owner)

	_, err := r.AddMoreFromNotes(context.Background(), "note")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 0, conv.calls)
}

// -- resolver --

func TestResolver_EmptyQuerySkipsService(t *testing.T) {
	s := &fakeSearcher{items: []Item{{ID: 1, Code: "I10"}}}
	r := NewResolver(s, nil)

	items, err := r.Search(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 0, s.calls)

	items, err = r.Search(context.Background(), "hypertension")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, s.calls)
	assert.Len(t, r.Results(), 1)
}

func TestResolver_ToggleItemsWithoutID(t *testing.T) {
	r := NewResolver(&fakeSearcher{}, nil)

	r.Toggle(Item{Code: "R69"})
	added := r.Toggle(Item{Code: "Z00"})
	assert.Equal(t, "Z00 added to suggestions", added.Message)
	assert.Len(t, r.Suggestions(), 2)
	assert.False(t, r.Contains(0))

	removed := r.Toggle(Item{Code: " r69 "})
	assert.Contains(t, removed.Message, "removed")
	got := r.Suggestions()
	require.Len(t, got, 1)
	assert.Equal(t, "Z00", got[0].Code)

	r.Toggle(Item{ID: 9, Code: "Z00"})
	assert.Len(t, r.Suggestions(), 2)
}

func TestResolver_ToggleTwiceRestoresMembership(t *testing.T) {
	r := NewResolver(&fakeSearcher{}, nil)
	r.Seed([]Item{{ID: 1, Code: "A"}, {ID: 2, Code: "B"}})
	before := r.Suggestions()

	added := r.Toggle(Item{ID: 3, Code: "C"})
	assert.Equal(t, "success", string(added.Level))
	assert.True(t, r.Contains(3))

	removed := r.Toggle(Item{ID: 3, Code: "C"})
	assert.Contains(t, removed.Message, "removed")
	assert.Equal(t, before, r.Suggestions())

	r.Toggle(Item{ID: 1, Code: "A"})
	r.Toggle(Item{ID: 1, Code: "A"})
	assert.ElementsMatch(t, before, r.Suggestions())
}

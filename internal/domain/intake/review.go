package intake

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/notice"
)

// StartReview converts note text for the draft at index and opens a review of
// the results. Blank text falls back to the draft's extracted notes. The review
// stays open only when the conversion produced new items.
func (c *Controller) StartReview(ctx context.Context, index int, text string) (*diagnosis.Conversion, error) {
	c.mu.Lock()
	if err := c.ensureEditable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.review != nil {
		c.mu.Unlock()
		return nil, ErrReviewActive
	}
	if index < 0 || index >= len(c.patients) {
		c.mu.Unlock()
		return nil, ErrPatientNotFound
	}

	p := c.patients[index]
	if strings.TrimSpace(text) == "" {
		text = p.Notes
	}
	if strings.TrimSpace(text) == "" {
		c.notify(notice.Warning("There are no notes to convert").For(p.DraftID))
		c.mu.Unlock()
		return nil, diagnosis.ErrEmptyNote
	}
	if len(p.SelectedDiagnosis) >= diagnosis.MaxSelected {
		c.notify(notice.Warning(diagnosis.ErrCapacityExceeded.Error()).For(p.DraftID))
		c.metrics.MergeRejected()
		c.mu.Unlock()
		return nil, diagnosis.ErrCapacityExceeded
	}

	r := diagnosis.NewReview(c.pipeline, diagnosis.NewResolver(c.chart, c.logger), p.SelectedDiagnosis, c.logger)
	c.review = r
	c.reviewDraft = p.DraftID
	c.mu.Unlock()

	conv, err := r.AddMoreFromNotes(ctx, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil || r.Len() == 0 {
		if c.review == r {
			c.review = nil
			c.reviewDraft = ""
		}
	}
	if err != nil {
		c.logger.Warn("note conversion failed", zap.String("draft_id", p.DraftID), zap.Error(err))
		c.notify(notice.Error("Could not convert notes to diagnoses").For(p.DraftID))
		return nil, err
	}
	c.notify(conv.Notice.For(p.DraftID))
	return conv, nil
}

// AddMoreFromNotes converts more text into the open review
func (c *Controller) AddMoreFromNotes(ctx context.Context, text string) (*diagnosis.Conversion, error) {
	r, draftID, err := c.ActiveReview()
	if err != nil {
		return nil, err
	}
	conv, err := r.AddMoreFromNotes(ctx, text)
	if err != nil {
		if isCapacity(err) {
			c.metrics.MergeRejected()
		}
		return nil, err
	}

	c.mu.Lock()
	c.notify(conv.Notice.For(draftID))
	c.mu.Unlock()
	return conv, nil
}

// ActiveReview returns the open review and the draft it belongs to
func (c *Controller) ActiveReview() (*diagnosis.Review, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.review == nil {
		return nil, "", ErrNoReview
	}
	return c.review, c.reviewDraft, nil
}

// SubmitReview merges the verified review items into the draft's selected
// diagnoses. On a capacity violation nothing changes and the review stays open.
func (c *Controller) SubmitReview(ctx context.Context) (*diagnosis.MergeResult, error) {
	c.mu.Lock()

	if c.review == nil {
		c.mu.Unlock()
		return nil, ErrNoReview
	}
	items, err := c.review.Submit()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	idx := c.indexOf(c.reviewDraft)
	if idx < 0 {
		c.review = nil
		c.reviewDraft = ""
		c.mu.Unlock()
		return nil, ErrPatientNotFound
	}

	p := c.patients[idx].Clone()
	res, err := diagnosis.Merge(p.SelectedDiagnosis, items)
	if err != nil {
		if isCapacity(err) {
			c.metrics.MergeRejected()
			c.notify(notice.Error(err.Error()).For(p.DraftID))
		}
		c.mu.Unlock()
		return nil, err
	}

	p.SelectedDiagnosis = res.Items
	c.patients[idx] = p
	c.review = nil
	c.reviewDraft = ""
	c.pending = nil
	c.metrics.DiagnosesMerged(res.Added)
	c.notify(notice.Success(fmt.Sprintf("%d diagnoses added to %s", res.Added, p.DisplayName())).For(p.DraftID))

	event := c.newEvent(&p, EventDiagnosesMerged, DiagnosesMergedData{
		Added:   res.Added,
		Skipped: res.Skipped,
		Total:   len(res.Items),
	})
	c.mu.Unlock()

	c.publish(ctx, []*Event{event})
	return res, nil
}

// DiscardReview closes the open review without changing the draft
func (c *Controller) DiscardReview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.review == nil {
		return ErrNoReview
	}
	c.review = nil
	c.reviewDraft = ""
	return nil
}

// AddDiagnoses merges codes picked from a manual code search into the draft
func (c *Controller) AddDiagnoses(index int, items []diagnosis.Item) (*diagnosis.MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureEditable(); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(c.patients) {
		return nil, ErrPatientNotFound
	}

	p := c.patients[index].Clone()
	res, err := diagnosis.Merge(p.SelectedDiagnosis, items)
	if err != nil {
		if isCapacity(err) {
			c.metrics.MergeRejected()
		}
		return nil, err
	}
	p.SelectedDiagnosis = res.Items
	c.patients[index] = p
	c.pending = nil
	c.metrics.DiagnosesMerged(res.Added)
	if c.review != nil && c.reviewDraft == p.DraftID {
		c.review.SetOwner(p.SelectedDiagnosis)
	}
	return res, nil
}

// RemoveDiagnosis drops a selected diagnosis from the draft at index
func (c *Controller) RemoveDiagnosis(index int, id int64) (DraftPatient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureEditable(); err != nil {
		return DraftPatient{}, err
	}
	if index < 0 || index >= len(c.patients) {
		return DraftPatient{}, ErrPatientNotFound
	}

	p := c.patients[index].Clone()
	before := len(p.SelectedDiagnosis)
	p.SelectedDiagnosis = diagnosis.Remove(p.SelectedDiagnosis, id)
	if len(p.SelectedDiagnosis) == before {
		return DraftPatient{}, diagnosis.ErrItemNotFound
	}
	c.patients[index] = p
	c.pending = nil
	if c.review != nil && c.reviewDraft == p.DraftID {
		c.review.SetOwner(p.SelectedDiagnosis)
	}
	return p.Clone(), nil
}

package intake

import "errors"

var (
	// ErrBusy is returned while a save or duplicate resolution is in flight
	ErrBusy = errors.New("batch is busy saving")
	// ErrQueueActive blocks edits while duplicates await a decision
	ErrQueueActive = errors.New("duplicate patients are awaiting confirmation")
	// ErrQueueEmpty is returned when resolving with no queued duplicate
	ErrQueueEmpty = errors.New("no duplicate patient awaiting confirmation")
	// ErrReviewActive blocks navigation while a diagnosis review is open
	ErrReviewActive = errors.New("a diagnosis review is open")
	// ErrNoReview is returned for review actions with no open review
	ErrNoReview = errors.New("no diagnosis review is open")
	// ErrNothingToConfirm is returned when no confirmation is pending
	ErrNothingToConfirm = errors.New("nothing awaiting confirmation")
	// ErrPatientNotFound is returned for an out of range draft index
	ErrPatientNotFound = errors.New("draft patient not found")
	// ErrBatchClosed is returned once every draft has been persisted
	ErrBatchClosed = errors.New("batch is complete")
	// ErrEmptyBatch is returned when initializing with no drafts
	ErrEmptyBatch = errors.New("batch has no patients")
)

package diagnosis

import "errors"

var (
	// ErrCapacityExceeded is returned when an operation would push a patient past MaxSelected
	ErrCapacityExceeded = errors.New("diagnosis limit reached: a patient may have at most 12 diagnoses")
	// ErrEmptyNote is returned when conversion is requested for blank note text
	ErrEmptyNote = errors.New("note text is empty")
	// ErrNotAllVerified blocks submission while any item still needs a decision
	ErrNotAllVerified = errors.New("all diagnoses must be verified before submitting")
	// ErrPrimaryLocked blocks deleting the primary diagnosis
	ErrPrimaryLocked = errors.New("primary diagnosis cannot be removed; demote or replace it first")
	// ErrItemNotFound is returned for an unknown review item key
	ErrItemNotFound = errors.New("diagnosis not found in review")
	// ErrInvalidTransition is returned when an action does not apply to the item's status
	ErrInvalidTransition = errors.New("action not allowed for diagnosis in this state")
	// ErrNoAssignedCode blocks keeping an item that has no code; pick one through search instead
	ErrNoAssignedCode = errors.New("diagnosis has no assigned code; search for a code instead")
)

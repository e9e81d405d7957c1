package intake

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of intake event
type EventType string

const (
	EventPatientPersisted    EventType = "PatientPersisted"
	EventPatientCreateFailed EventType = "PatientCreateFailed"
	EventDuplicateQueued     EventType = "DuplicateQueued"
	EventDuplicateConfirmed  EventType = "DuplicateConfirmed"
	EventDuplicateCancelled  EventType = "DuplicateCancelled"
	EventDiagnosesMerged     EventType = "DiagnosesMerged"
	EventBatchCompleted      EventType = "BatchCompleted"
)

// Event is an audit record of something the workflow did to a batch
type Event struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	DraftID     string          `json:"draft_id,omitempty"`
	EventType   EventType       `json:"event_type"`
	EventData   json.RawMessage `json:"event_data"`
	ClinicianID string          `json:"clinician_id,omitempty"`
	PatientHash string          `json:"patient_hash,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEvent creates a new event
func NewEvent(sessionID, draftID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		DraftID:   draftID,
		EventType: eventType,
		EventData: eventData,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Key is the partition key: drafts keep their order, batch events share the session
func (e *Event) Key() string {
	if e.PatientHash != "" {
		return e.PatientHash
	}
	return e.SessionID
}

// EventSink receives intake events after the controller releases its lock
type EventSink interface {
	Publish(ctx context.Context, events ...*Event) error
}

type nopSink struct{}

func (nopSink) Publish(context.Context, ...*Event) error { return nil }

// PatientPersistedData is recorded when the chart accepts a draft
type PatientPersistedData struct {
	AdmissionID     int64    `json:"admission_id"`
	Forced          bool     `json:"forced"`
	DiagnosisCount  int      `json:"diagnosis_count"`
	DiagnosesSaved  bool     `json:"diagnoses_saved"`
	AddedToWorklist bool     `json:"added_to_worklist"`
	Warnings        []string `json:"warnings,omitempty"`
}

// CreateFailedData is recorded when the chart rejects a draft
type CreateFailedData struct {
	Message string `json:"message"`
	Forced  bool   `json:"forced"`
}

// DuplicateData is recorded when a draft enters or leaves the duplicate queue
type DuplicateData struct {
	Message string `json:"message,omitempty"`
	Pending int    `json:"pending"`
}

// DiagnosesMergedData is recorded when a review is submitted into a draft
type DiagnosesMergedData struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// Summary describes a batch at the end of a save round
type Summary struct {
	SessionID string `json:"session_id"`
	Created   int    `json:"created"`
	Failed    int    `json:"failed"`
	Abandoned int    `json:"abandoned"`
	Remaining int    `json:"remaining"`
	Closed    bool   `json:"closed"`
}

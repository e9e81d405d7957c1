package intake

import (
	"context"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
)

// CreatePatientRequest is the chart create call payload. CreateAdmission
// forces creation after the clinician confirms a possible duplicate.
type CreatePatientRequest struct {
	DraftPatient
	CreateAdmission bool `json:"create_admission,omitempty"`
}

// CreatePatientResponse is the chart's answer. Prompt means the patient may
// already exist and takes precedence over Success.
type CreatePatientResponse struct {
	Success bool   `json:"success"`
	Prompt  bool   `json:"prompt"`
	ID      int64  `json:"id"`
	Message string `json:"message"`
}

// WorklistEntry is the charges worklist row created for an admission
type WorklistEntry struct {
	ID          int64 `json:"id"`
	AdmissionID int64 `json:"admission_id"`
}

// PatientCreator persists a draft as a patient and admission
type PatientCreator interface {
	CreatePatient(ctx context.Context, req *CreatePatientRequest) (*CreatePatientResponse, error)
}

// DiagnosisSaver stores the selected diagnoses for an admission
type DiagnosisSaver interface {
	SaveDiagnoses(ctx context.Context, admissionID int64, items []diagnosis.Item) (bool, error)
}

// WorklistAttacher adds an admission to the charges worklist
type WorklistAttacher interface {
	AttachToWorklist(ctx context.Context, admissionID int64) (*WorklistEntry, error)
}

// Chart is every collaborator the intake workflow calls
type Chart interface {
	PatientCreator
	DiagnosisSaver
	WorklistAttacher
	diagnosis.Converter
	diagnosis.Searcher
}

// Recorder receives workflow counters
type Recorder interface {
	PatientSaved(outcome string)
	DuplicateResolved(outcome string)
	DiagnosesMerged(added int)
	MergeRejected()
	BatchCompleted()
}

type nopRecorder struct{}

func (nopRecorder) PatientSaved(string)      {}
func (nopRecorder) DuplicateResolved(string) {}
func (nopRecorder) DiagnosesMerged(int)      {}
func (nopRecorder) MergeRejected()           {}
func (nopRecorder) BatchCompleted()          {}

// CompletionHook runs after a save round ends with no queued duplicates,
// e.g. to refresh the admissions list
type CompletionHook func(ctx context.Context, s Summary)

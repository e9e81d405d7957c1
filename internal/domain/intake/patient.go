// Package intake implements the batch patient intake workflow: draft
// navigation with validation gates, parallel save dispatch, and sequential
// resolution of server-detected duplicates.
package intake

import (
	"strings"

	"github.com/google/uuid"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/pkg/idempotency"
)

// DraftPatient is a not-yet-persisted patient and admission record.
// It is a value: the controller stores copies and hands out copies.
type DraftPatient struct {
	DraftID       string `json:"draft_id"`
	FirstName     string `json:"firstname" validate:"required"`
	LastName      string `json:"lastname" validate:"required"`
	DOB           string `json:"dob" validate:"required"`
	Gender        string `json:"gender,omitempty"`
	AdmitDate     string `json:"admitdate" validate:"required"`
	DischargeDate string `json:"dischargedate,omitempty"`
	VisitType     string `json:"visittype" validate:"required"`
	FacilityID    int64  `json:"facility_id" validate:"required"`
	ProviderID    int64  `json:"provider_id" validate:"required"`
	// Notes is the clinical note text captured by document extraction
	Notes             string           `json:"notes,omitempty"`
	AddToCharges      bool             `json:"add_to_charges,omitempty"`
	SelectedDiagnosis []diagnosis.Item `json:"selectedDiagnosis"`
}

// Clone returns a deep copy
func (p DraftPatient) Clone() DraftPatient {
	if p.SelectedDiagnosis != nil {
		items := make([]diagnosis.Item, len(p.SelectedDiagnosis))
		copy(items, p.SelectedDiagnosis)
		p.SelectedDiagnosis = items
	}
	return p
}

// DisplayName is the name used in notices
func (p DraftPatient) DisplayName() string {
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name == "" {
		return "Unnamed patient"
	}
	return name
}

// IdentityKey identifies a person within a batch by name and date of birth
func (p DraftPatient) IdentityKey() string {
	dob := strings.TrimSpace(p.DOB)
	if t, err := parseDate(dob); err == nil {
		dob = t.Format(dateLayout)
	}
	return idempotency.GenerateKey(
		strings.ToLower(strings.TrimSpace(p.FirstName)),
		strings.ToLower(strings.TrimSpace(p.LastName)),
		dob,
	)
}

func withDraftID(p DraftPatient) DraftPatient {
	if p.DraftID == "" {
		p.DraftID = uuid.New().String()
	}
	return p
}

func clonePatients(in []DraftPatient) []DraftPatient {
	out := make([]DraftPatient, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

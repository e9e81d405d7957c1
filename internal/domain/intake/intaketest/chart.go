// Package intaketest provides an in-memory chart for tests of the intake
// workflow and the layers built on it.
package intaketest

import (
	"context"
	"sync"
	"time"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/intake"
)

// Chart is a programmable intake.Chart. The zero value creates every patient
// successfully and accepts every diagnosis and worklist write.
type Chart struct {
	// OnCreate overrides the create answer; returning nil falls through to success
	OnCreate func(req *intake.CreatePatientRequest) (*intake.CreatePatientResponse, error)

	SaveErr     error
	SaveFails   bool
	WorklistErr error

	Converted  *diagnosis.ConvertResponse
	ConvertErr error
	Found      []diagnosis.Item
	SearchErr  error

	mu        sync.Mutex
	nextID    int64
	creates   []intake.CreatePatientRequest
	saved     map[int64][]diagnosis.Item
	worklist  []int64
	converted []string
}

var _ intake.Chart = (*Chart)(nil)

// CreatePatient records the request and answers through OnCreate, or creates with a fresh id
func (c *Chart) CreatePatient(ctx context.Context, req *intake.CreatePatientRequest) (*intake.CreatePatientResponse, error) {
	c.mu.Lock()
	c.creates = append(c.creates, *req)
	c.mu.Unlock()

	if c.OnCreate != nil {
		resp, err := c.OnCreate(req)
		if resp != nil || err != nil {
			return resp, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return &intake.CreatePatientResponse{Success: true, ID: 1000 + c.nextID}, nil
}

// SaveDiagnoses stores items for the admission unless SaveErr is set
func (c *Chart) SaveDiagnoses(ctx context.Context, admissionID int64, items []diagnosis.Item) (bool, error) {
	if c.SaveErr != nil {
		return false, c.SaveErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		c.saved = make(map[int64][]diagnosis.Item)
	}
	c.saved[admissionID] = append([]diagnosis.Item(nil), items...)
	return !c.SaveFails, nil
}

// AttachToWorklist appends the admission to the worklist unless WorklistErr is set
func (c *Chart) AttachToWorklist(ctx context.Context, admissionID int64) (*intake.WorklistEntry, error) {
	if c.WorklistErr != nil {
		return nil, c.WorklistErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.worklist = append(c.worklist, admissionID)
	return &intake.WorklistEntry{ID: int64(len(c.worklist)), AdmissionID: admissionID}, nil
}

// ConvertNotes records the text and returns a copy of Converted
func (c *Chart) ConvertNotes(ctx context.Context, text string) (*diagnosis.ConvertResponse, error) {
	c.mu.Lock()
	c.converted = append(c.converted, text)
	c.mu.Unlock()
	if c.ConvertErr != nil {
		return nil, c.ConvertErr
	}
	if c.Converted == nil {
		return &diagnosis.ConvertResponse{}, nil
	}
	out := *c.Converted
	out.DetailedDiagnoses = append([]diagnosis.Detailed(nil), c.Converted.DetailedDiagnoses...)
	return &out, nil
}

// SearchCodes returns a copy of Found
func (c *Chart) SearchCodes(ctx context.Context, query string) ([]diagnosis.Item, error) {
	if c.SearchErr != nil {
		return nil, c.SearchErr
	}
	return append([]diagnosis.Item(nil), c.Found...), nil
}

// Creates returns every create request received, in arrival order
func (c *Chart) Creates() []intake.CreatePatientRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]intake.CreatePatientRequest(nil), c.creates...)
}

// Saved returns the diagnoses stored for an admission
func (c *Chart) Saved(admissionID int64) ([]diagnosis.Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items, ok := c.saved[admissionID]
	return items, ok
}

// Worklist returns the admissions attached to the worklist
func (c *Chart) Worklist() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.worklist...)
}

// Conversions returns the note texts submitted for conversion
func (c *Chart) Conversions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.converted...)
}

// Patient returns a complete draft admitted three days ago
func Patient(first, last string) intake.DraftPatient {
	return intake.DraftPatient{
		FirstName:  first,
		LastName:   last,
		DOB:        "1980-04-12",
		Gender:     "F",
		AdmitDate:  time.Now().AddDate(0, 0, -3).Format("2006-01-02"),
		VisitType:  "inpatient",
		FacilityID: 1,
		ProviderID: 2,
	}
}

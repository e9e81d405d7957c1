package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-intake/internal/api/middleware"
	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/domain/intake/intaketest"
	"github.com/drfirst/go-intake/internal/domain/notice"
	"github.com/drfirst/go-intake/internal/infrastructure/chart"
	"github.com/drfirst/go-intake/internal/session"
)

type api struct {
	t      *testing.T
	router http.Handler
}

func newAPI(t *testing.T, c *intaketest.Chart) *api {
	t.Helper()
	m := session.NewManager(session.DefaultConfig(), c, nil, nil, nil, nil)
	t.Cleanup(m.Shutdown)

	r := chi.NewRouter()
	r.Use(middleware.ClinicianAuth(map[string]string{"key-a": "dr-a", "key-b": "dr-b"}))
	r.Mount("/sessions", NewSessionHandler(m, nil).Routes())
	r.Mount("/codes", NewCodeHandler(c, nil).Routes())
	return &api{t: t, router: r}
}

func (a *api) do(key, method, path string, body interface{}) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (a *api) open(patients ...intake.DraftPatient) string {
	a.t.Helper()
	rec := a.do("key-a", http.MethodPost, "/sessions", CreateRequest{Patients: patients})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap intake.Snapshot
	decodeBody(a.t, rec, &snap)
	return snap.SessionID
}

func TestSessions_CreateGetList(t *testing.T) {
	a := newAPI(t, &intaketest.Chart{})
	id := a.open(intaketest.Patient("Ada", "Lovelace"), intaketest.Patient("Alan", "Turing"))

	rec := a.do("key-a", http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap intake.Snapshot
	decodeBody(t, rec, &snap)
	require.Len(t, snap.Patients, 2)
	assert.NotEmpty(t, snap.Patients[0].DraftID)

	rec = a.do("key-a", http.MethodGet, "/sessions", nil)
	var list []session.Info
	decodeBody(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	rec = a.do("key-b", http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do("key-a", http.MethodDelete, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = a.do("key-a", http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_CreateRejectsEmptyBatch(t *testing.T) {
	a := newAPI(t, &intaketest.Chart{})
	rec := a.do("key-a", http.MethodPost, "/sessions", CreateRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do("", http.MethodPost, "/sessions", CreateRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessions_AdvanceValidation(t *testing.T) {
	a := newAPI(t, &intaketest.Chart{})
	incomplete := intaketest.Patient("Ada", "Lovelace")
	incomplete.VisitType = ""
	id := a.open(incomplete, intaketest.Patient("Alan", "Turing"))

	rec := a.do("key-a", http.MethodPost, "/sessions/"+id+"/advance", AdvanceRequest{Direction: intake.Forward})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Fields []intake.FieldError `json:"fields"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "visittype", body.Fields[0].Field)

	rec = a.do("key-a", http.MethodPost, "/sessions/"+id+"/advance", AdvanceRequest{Direction: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	incomplete.VisitType = "inpatient"
	rec = a.do("key-a", http.MethodPut, "/sessions/"+id+"/patients/0", incomplete)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("key-a", http.MethodPost, "/sessions/"+id+"/advance", AdvanceRequest{Direction: intake.Forward})
	require.Equal(t, http.StatusOK, rec.Code)
	var step intake.Step
	decodeBody(t, rec, &step)
	assert.Equal(t, 1, step.Cursor)

	rec = a.do("key-a", http.MethodPut, "/sessions/"+id+"/patients/9", incomplete)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_SaveAndResolveDuplicate(t *testing.T) {
	c := &intaketest.Chart{
		OnCreate: func(req *intake.CreatePatientRequest) (*intake.CreatePatientResponse, error) {
			if req.LastName == "Twin" && !req.CreateAdmission {
				return &intake.CreatePatientResponse{Prompt: true, Message: "patient may already exist"}, nil
			}
			return nil, nil
		},
	}
	a := newAPI(t, c)
	id := a.open(intaketest.Patient("Ada", "Lovelace"), intaketest.Patient("Eve", "Twin"))

	rec := a.do("key-a", http.MethodPost, "/sessions/"+id+"/save", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report intake.SaveReport
	decodeBody(t, rec, &report)
	assert.Equal(t, 1, report.Queued)
	assert.False(t, report.Closed)
	require.NotNil(t, report.Duplicate)

	rec = a.do("key-a", http.MethodGet, "/sessions/"+id+"/duplicate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = a.do("key-a", http.MethodPut, "/sessions/"+id+"/patients/0", intaketest.Patient("Eve", "Twin"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do("key-a", http.MethodPost, "/sessions/"+id+"/duplicate/confirm", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var step intake.DuplicateStep
	decodeBody(t, rec, &step)
	assert.Equal(t, intake.OutcomeCreated, step.Outcome.Outcome)
	assert.True(t, step.Closed)

	rec = a.do("key-a", http.MethodGet, "/sessions/"+id+"/duplicate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do("key-a", http.MethodGet, "/sessions/"+id+"/notices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var notices []notice.Notice
	decodeBody(t, rec, &notices)
	assert.NotEmpty(t, notices)
}

func TestSessions_ReviewFlow(t *testing.T) {
	c := &intaketest.Chart{Converted: &diagnosis.ConvertResponse{
		DetailedDiagnoses: []diagnosis.Detailed{
			{PhysicianDiagnosis: "chest pain", Notes: "Verified match", Assigned: diagnosis.Item{ID: 1, Code: "R07.9"}},
			{PhysicianDiagnosis: "fever", Notes: "Not found"},
		},
	}}
	a := newAPI(t, c)
	p := intaketest.Patient("Ada", "Lovelace")
	p.Notes = "chest pain and fever"
	id := a.open(p)
	base := "/sessions/" + id

	rec := a.do("key-a", http.MethodGet, base+"/review", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do("key-a", http.MethodPost, base+"/patients/0/review", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{p.Notes}, c.Conversions())

	rec = a.do("key-a", http.MethodGet, base+"/review", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rv ReviewResponse
	decodeBody(t, rec, &rv)
	require.Len(t, rv.Items, 2)
	assert.False(t, rv.AllVerified)
	searchKey := rv.Items[1].Key

	rec = a.do("key-a", http.MethodPost, base+"/review/items/"+searchKey+"/keep", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do("key-a", http.MethodPost, base+"/review/submit", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do("key-a", http.MethodGet, base+"/review/items/"+searchKey+"/suggestions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sug diagnosis.Suggestions
	decodeBody(t, rec, &sug)
	assert.True(t, sug.ManualSearch)

	rec = a.do("key-a", http.MethodPost, base+"/review/items/"+searchKey+"/select",
		diagnosis.Item{ID: 3, Code: "R50.9", Description: "Fever"})
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &rv)
	assert.True(t, rv.AllVerified)

	rec = a.do("key-a", http.MethodPost, base+"/review/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var merged diagnosis.MergeResult
	decodeBody(t, rec, &merged)
	assert.Equal(t, 2, merged.Added)

	rec = a.do("key-a", http.MethodDelete, base+"/patients/0/diagnoses/3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got intake.DraftPatient
	decodeBody(t, rec, &got)
	require.Len(t, got.SelectedDiagnosis, 1)
	assert.Equal(t, "R07.9", got.SelectedDiagnosis[0].Code)

	rec = a.do("key-a", http.MethodDelete, base+"/patients/0/diagnoses/3", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_AddDiagnosesOverCapacity(t *testing.T) {
	a := newAPI(t, &intaketest.Chart{})
	id := a.open(intaketest.Patient("Ada", "Lovelace"))

	items := make([]diagnosis.Item, diagnosis.MaxSelected+1)
	for i := range items {
		items[i] = diagnosis.Item{ID: int64(i + 1), Code: fmt.Sprintf("Z%02d", i)}
	}
	rec := a.do("key-a", http.MethodPost, "/sessions/"+id+"/patients/0/diagnoses", AddDiagnosesRequest{Items: items})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do("key-a", http.MethodPost, "/sessions/"+id+"/patients/0/diagnoses", AddDiagnosesRequest{Items: items[:2]})
	require.Equal(t, http.StatusOK, rec.Code)
	var res diagnosis.MergeResult
	decodeBody(t, rec, &res)
	assert.Equal(t, 2, res.Added)
}

func TestCodes_Search(t *testing.T) {
	c := &intaketest.Chart{Found: []diagnosis.Item{{ID: 7, Code: "J18.9", Description: "Pneumonia", IsPrimary: true}}}
	a := newAPI(t, c)

	rec := a.do("key-a", http.MethodPost, "/codes/search", SearchRequest{Query: "pneumonia"})
	require.Equal(t, http.StatusOK, rec.Code)
	var items []diagnosis.Item
	decodeBody(t, rec, &items)
	require.Len(t, items, 1)
	assert.False(t, items[0].IsPrimary)

	c.SearchErr = errors.New("down")
	rec = a.do("key-a", http.MethodPost, "/codes/search", SearchRequest{Query: "pneumonia"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler("intake-api", "test", map[string]Check{
		"redpanda": func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("refused") },
	}, nil)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"not ready","checks":{"postgres":"refused","redpanda":"ok"}}`, rec.Body.String())
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", intake.ErrBusy), http.StatusConflict},
		{intake.ErrQueueActive, http.StatusConflict},
		{&intake.ValidationError{}, http.StatusUnprocessableEntity},
		{diagnosis.ErrCapacityExceeded, http.StatusUnprocessableEntity},
		{diagnosis.ErrPrimaryLocked, http.StatusConflict},
		{diagnosis.ErrInvalidTransition, http.StatusConflict},
		{diagnosis.ErrNoAssignedCode, http.StatusUnprocessableEntity},
		{&chart.StatusError{Endpoint: "search_codes", StatusCode: 500}, http.StatusBadGateway},
		{gobreaker.ErrOpenState, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusOf(tt.err), tt.err.Error())
	}
}

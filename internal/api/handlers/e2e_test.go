package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-intake/internal/api/handlers"
	"github.com/drfirst/go-intake/internal/api/middleware"
	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/domain/intake/intaketest"
	"github.com/drfirst/go-intake/internal/infrastructure/chart"
	"github.com/drfirst/go-intake/internal/observability/metrics"
	"github.com/drfirst/go-intake/internal/session"
	"github.com/drfirst/go-intake/pkg/circuitbreaker"
)

// chartServer is an HTTP stand-in for the chart collaborators
type chartServer struct {
	mu       sync.Mutex
	nextID   int64
	saved    map[int64][]diagnosis.Item
	searched []string
}

func (s *chartServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/patients", func(w http.ResponseWriter, r *http.Request) {
		var req intake.CreatePatientRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.nextID++
		id := 500 + s.nextID
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(intake.CreatePatientResponse{Success: true, ID: id})
	})
	r.Post("/diagnoses/save", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AdmissionID int64            `json:"admission_id"`
			Items       []diagnosis.Item `json:"selectedDiagnosis"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.saved[req.AdmissionID] = req.Items
		s.mu.Unlock()
		_, _ = w.Write([]byte("true"))
	})
	r.Post("/worklist", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worklist unavailable", http.StatusInternalServerError)
	})
	r.Post("/diagnoses/convert", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(diagnosis.ConvertResponse{
			DetailedDiagnoses: []diagnosis.Detailed{
				{PhysicianDiagnosis: "pneumonia", Notes: "Verified match", Assigned: diagnosis.Item{ID: 11, Code: "J18.9", IsPrimary: true}},
			},
		})
	})
	r.Post("/diagnoses/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Description string `json:"description"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.searched = append(s.searched, req.Description)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode([]diagnosis.Item{{ID: 12, Code: "R05", Description: "Cough"}})
	})
	return r
}

func TestEndToEnd_ReviewAndSave(t *testing.T) {
	cs := &chartServer{saved: make(map[int64][]diagnosis.Item)}
	upstream := httptest.NewServer(cs.routes())
	defer upstream.Close()

	m := metrics.New(prometheus.NewRegistry())
	client, err := chart.NewClient(chart.DefaultConfig(upstream.URL), circuitbreaker.NewManager(nil, m.BreakerStateChanged), m, nil)
	require.NoError(t, err)

	manager := session.NewManager(session.DefaultConfig(), client, nil, m, nil, nil)
	defer manager.Shutdown()

	r := chi.NewRouter()
	r.Use(middleware.ClinicianAuth(map[string]string{"key": "dr-a"}))
	r.Mount("/sessions", handlers.NewSessionHandler(manager, nil).Routes())
	r.Mount("/codes", handlers.NewCodeHandler(client, nil).Routes())

	call := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		t.Helper()
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("X-API-Key", "key")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	withNotes := intaketest.Patient("Ada", "Lovelace")
	withNotes.Notes = "community acquired pneumonia"
	withNotes.AddToCharges = true
	rec := call(http.MethodPost, "/sessions", handlers.CreateRequest{
		Patients: []intake.DraftPatient{withNotes, intaketest.Patient("Alan", "Turing")},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap intake.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	base := "/sessions/" + snap.SessionID

	rec = call(http.MethodPost, base+"/patients/0/review", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = call(http.MethodPost, base+"/review/submit", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(http.MethodPost, "/codes/search", handlers.SearchRequest{Query: "cough"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = call(http.MethodPost, base+"/patients/1/diagnoses", handlers.AddDiagnosesRequest{
		Items: []diagnosis.Item{{ID: 12, Code: "R05", Description: "Cough"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = call(http.MethodPost, base+"/save", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report intake.SaveReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))

	assert.True(t, report.Closed)
	require.Len(t, report.Outcomes, 2)
	for _, out := range report.Outcomes {
		assert.Equal(t, intake.OutcomeCreated, out.Outcome)
		assert.True(t, out.DiagnosesSaved)
	}
	assert.False(t, report.Outcomes[0].AddedToWorklist)
	assert.NotEmpty(t, report.Outcomes[0].Warnings)

	cs.mu.Lock()
	assert.Len(t, cs.saved, 2)
	assert.Equal(t, []string{"cough"}, cs.searched)
	cs.mu.Unlock()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PatientsSaved.WithLabelValues(string(intake.OutcomeCreated))))

	rec = call(http.MethodPut, base+"/patients/0", withNotes)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

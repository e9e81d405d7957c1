// Package handlers provides HTTP handlers for the intake API.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/api/middleware"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/observability/tracing"
	"github.com/drfirst/go-intake/internal/session"
)

type sessionKey struct{}

// SessionHandler exposes intake sessions to the clinician UI
type SessionHandler struct {
	manager *session.Manager
	logger  *zap.Logger
}

// NewSessionHandler creates a new handler
func NewSessionHandler(manager *session.Manager, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{manager: manager, logger: logger}
}

// Routes returns the handler routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)

	r.Route("/{sessionID}", func(r chi.Router) {
		r.Use(h.loadSession)

		r.Get("/", h.Get)
		r.Delete("/", h.Close)
		r.Get("/notices", h.Notices)

		r.Put("/patients/{index}", h.UpdatePatient)
		r.Post("/advance", h.Advance)
		r.Post("/confirm", h.Confirm)
		r.Post("/dismiss", h.Dismiss)
		r.Post("/save", h.Save)

		r.Get("/duplicate", h.Duplicate)
		r.Post("/duplicate/confirm", h.ConfirmDuplicate)
		r.Post("/duplicate/cancel", h.CancelDuplicate)

		r.Post("/patients/{index}/diagnoses", h.AddDiagnoses)
		r.Delete("/patients/{index}/diagnoses/{diagnosisID}", h.RemoveDiagnosis)
		r.Post("/patients/{index}/review", h.StartReview)
		r.Mount("/review", h.reviewRoutes())
	})
	return r
}

func (h *SessionHandler) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.manager.Get(chi.URLParam(r, "sessionID"), middleware.GetClinicianID(r.Context()))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, s)))
	})
}

func sessionFrom(r *http.Request) *session.Session {
	return r.Context().Value(sessionKey{}).(*session.Session)
}

func patientIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 {
		jsonError(w, "invalid patient index", http.StatusBadRequest)
		return 0, false
	}
	return idx, true
}

// CreateRequest opens a session from drafts posted directly by the UI
type CreateRequest struct {
	BatchID  string                `json:"batch_id,omitempty"`
	Patients []intake.DraftPatient `json:"patients"`
}

// Create handles POST /sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decode(w, r, &req) {
		return
	}

	s, err := h.manager.Open(r.Context(), middleware.GetClinicianID(r.Context()), req.BatchID, req.Patients)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info("session created",
		zap.String("session_id", s.SessionID()),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Int("patients", len(req.Patients)),
	)
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// List handles GET /sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.List(middleware.GetClinicianID(r.Context())))
}

// Get handles GET /sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).Snapshot())
}

// Close handles DELETE /sessions/{sessionID}
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	if err := h.manager.Close(s.SessionID(), s.ClinicianID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Notices handles GET /sessions/{sessionID}/notices. Reading drains them.
func (h *SessionHandler) Notices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).DrainNotices())
}

// UpdatePatient handles PUT /sessions/{sessionID}/patients/{index}
func (h *SessionHandler) UpdatePatient(w http.ResponseWriter, r *http.Request) {
	idx, ok := patientIndex(w, r)
	if !ok {
		return
	}
	var p intake.DraftPatient
	if !decode(w, r, &p) {
		return
	}

	updated, err := sessionFrom(r).UpdatePatient(idx, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// AdvanceRequest moves the cursor
type AdvanceRequest struct {
	Direction intake.Direction `json:"direction"`
}

// Advance handles POST /sessions/{sessionID}/advance
func (h *SessionHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Direction != intake.Forward && req.Direction != intake.Back {
		jsonError(w, "direction must be forward or back", http.StatusBadRequest)
		return
	}

	step, err := sessionFrom(r).Advance(req.Direction)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// Confirm handles POST /sessions/{sessionID}/confirm
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "confirm")
	defer span.End()

	res, err := sessionFrom(r).Confirm(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Dismiss handles POST /sessions/{sessionID}/dismiss
func (h *SessionHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r).Dismiss(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Save handles POST /sessions/{sessionID}/save
func (h *SessionHandler) Save(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "save_batch")
	defer span.End()
	span.SetAttributes(tracing.SessionAttrs(s.SessionID(), middleware.GetClinicianID(r.Context()))...)

	report, err := s.SaveAll(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(
		attribute.Int("queued", report.Queued),
		attribute.Bool("closed", report.Closed),
	)
	writeJSON(w, http.StatusOK, report)
}

// Duplicate handles GET /sessions/{sessionID}/duplicate
func (h *SessionHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	snap := sessionFrom(r).Snapshot()
	if snap.Duplicate == nil {
		h.fail(w, r, intake.ErrQueueEmpty)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"duplicate": snap.Duplicate,
		"queued":    snap.Queued,
	})
}

// ConfirmDuplicate handles POST /sessions/{sessionID}/duplicate/confirm
func (h *SessionHandler) ConfirmDuplicate(w http.ResponseWriter, r *http.Request) {
	s := sessionFrom(r)
	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "confirm_duplicate")
	defer span.End()
	span.SetAttributes(tracing.SessionAttrs(s.SessionID(), middleware.GetClinicianID(r.Context()))...)

	step, err := s.ConfirmDuplicate(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

// CancelDuplicate handles POST /sessions/{sessionID}/duplicate/cancel
func (h *SessionHandler) CancelDuplicate(w http.ResponseWriter, r *http.Request) {
	step, err := sessionFrom(r).CancelDuplicate(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

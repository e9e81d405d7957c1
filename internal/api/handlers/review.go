package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/observability/tracing"
)

func (h *SessionHandler) reviewRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Review)
	r.Delete("/", h.DiscardReview)
	r.Post("/notes", h.AddMoreFromNotes)
	r.Post("/submit", h.SubmitReview)

	r.Post("/items/{key}/keep", h.KeepAsIs)
	r.Get("/items/{key}/suggestions", h.OpenSuggestions)
	r.Post("/items/{key}/select", h.SelectSuggestion)
	r.Post("/items/{key}/promote", h.Promote)
	r.Post("/items/{key}/demote", h.Demote)
	r.Delete("/items/{key}", h.RemoveItem)

	r.Post("/search", h.SearchCodes)
	r.Get("/shortlist", h.Shortlist)
	r.Post("/shortlist", h.ToggleShortlist)
	return r
}

// NotesRequest carries clinical note text to convert
type NotesRequest struct {
	Text string `json:"text"`
}

// ReviewResponse is the open review as shown to the clinician
type ReviewResponse struct {
	DraftID     string               `json:"draft_id"`
	Items       []diagnosis.Detailed `json:"items"`
	AllVerified bool                 `json:"all_verified"`
}

// StartReview handles POST /sessions/{sessionID}/patients/{index}/review
func (h *SessionHandler) StartReview(w http.ResponseWriter, r *http.Request) {
	idx, ok := patientIndex(w, r)
	if !ok {
		return
	}
	var req NotesRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "start_review")
	defer span.End()
	span.SetAttributes(tracing.PatientKey.Int(idx))

	conv, err := sessionFrom(r).StartReview(ctx, idx, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Review handles GET /sessions/{sessionID}/review
func (h *SessionHandler) Review(w http.ResponseWriter, r *http.Request) {
	rv, draftID, err := sessionFrom(r).ActiveReview()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewResponse{
		DraftID:     draftID,
		Items:       rv.Items(),
		AllVerified: rv.AllVerified(),
	})
}

// DiscardReview handles DELETE /sessions/{sessionID}/review
func (h *SessionHandler) DiscardReview(w http.ResponseWriter, r *http.Request) {
	if err := sessionFrom(r).DiscardReview(); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddMoreFromNotes handles POST /sessions/{sessionID}/review/notes
func (h *SessionHandler) AddMoreFromNotes(w http.ResponseWriter, r *http.Request) {
	var req NotesRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "add_more_from_notes")
	defer span.End()

	conv, err := sessionFrom(r).AddMoreFromNotes(ctx, req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// SubmitReview handles POST /sessions/{sessionID}/review/submit
func (h *SessionHandler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	res, err := sessionFrom(r).SubmitReview(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// withReview runs fn against the open review and answers with its items
func (h *SessionHandler) withReview(w http.ResponseWriter, r *http.Request, fn func(rv *diagnosis.Review, key string) error) {
	rv, draftID, err := sessionFrom(r).ActiveReview()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := fn(rv, chi.URLParam(r, "key")); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReviewResponse{
		DraftID:     draftID,
		Items:       rv.Items(),
		AllVerified: rv.AllVerified(),
	})
}

// KeepAsIs handles POST /sessions/{sessionID}/review/items/{key}/keep
func (h *SessionHandler) KeepAsIs(w http.ResponseWriter, r *http.Request) {
	h.withReview(w, r, func(rv *diagnosis.Review, key string) error {
		return rv.KeepAsIs(key)
	})
}

// OpenSuggestions handles GET /sessions/{sessionID}/review/items/{key}/suggestions
func (h *SessionHandler) OpenSuggestions(w http.ResponseWriter, r *http.Request) {
	rv, _, err := sessionFrom(r).ActiveReview()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sug, err := rv.OpenSuggestions(chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

// SelectSuggestion handles POST /sessions/{sessionID}/review/items/{key}/select
func (h *SessionHandler) SelectSuggestion(w http.ResponseWriter, r *http.Request) {
	var choice diagnosis.Item
	if !decode(w, r, &choice) {
		return
	}
	h.withReview(w, r, func(rv *diagnosis.Review, key string) error {
		return rv.SelectSuggestion(key, choice)
	})
}

// Promote handles POST /sessions/{sessionID}/review/items/{key}/promote
func (h *SessionHandler) Promote(w http.ResponseWriter, r *http.Request) {
	h.withReview(w, r, func(rv *diagnosis.Review, key string) error {
		return rv.PromoteToPrimary(key)
	})
}

// DemoteRequest places a demoted primary among the secondaries
type DemoteRequest struct {
	Index int `json:"index"`
}

// Demote handles POST /sessions/{sessionID}/review/items/{key}/demote
func (h *SessionHandler) Demote(w http.ResponseWriter, r *http.Request) {
	var req DemoteRequest
	if !decode(w, r, &req) {
		return
	}
	h.withReview(w, r, func(rv *diagnosis.Review, key string) error {
		return rv.DemoteFromPrimary(key, req.Index)
	})
}

// RemoveItem handles DELETE /sessions/{sessionID}/review/items/{key}
func (h *SessionHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	h.withReview(w, r, func(rv *diagnosis.Review, key string) error {
		return rv.RemoveItem(key)
	})
}

// SearchRequest is a free-text code search
type SearchRequest struct {
	Query string `json:"query"`
}

// SearchCodes handles POST /sessions/{sessionID}/review/search
func (h *SessionHandler) SearchCodes(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	rv, _, err := sessionFrom(r).ActiveReview()
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "search_codes")
	defer span.End()

	items, err := rv.Resolver().Search(ctx, req.Query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Shortlist handles GET /sessions/{sessionID}/review/shortlist
func (h *SessionHandler) Shortlist(w http.ResponseWriter, r *http.Request) {
	rv, _, err := sessionFrom(r).ActiveReview()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv.Resolver().Suggestions())
}

// ToggleShortlist handles POST /sessions/{sessionID}/review/shortlist
func (h *SessionHandler) ToggleShortlist(w http.ResponseWriter, r *http.Request) {
	var item diagnosis.Item
	if !decode(w, r, &item) {
		return
	}
	rv, _, err := sessionFrom(r).ActiveReview()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	n := rv.Resolver().Toggle(item)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notice":      n,
		"suggestions": rv.Resolver().Suggestions(),
	})
}

// AddDiagnosesRequest carries codes picked from a manual search
type AddDiagnosesRequest struct {
	Items []diagnosis.Item `json:"items"`
}

// AddDiagnoses handles POST /sessions/{sessionID}/patients/{index}/diagnoses
func (h *SessionHandler) AddDiagnoses(w http.ResponseWriter, r *http.Request) {
	idx, ok := patientIndex(w, r)
	if !ok {
		return
	}
	var req AddDiagnosesRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := sessionFrom(r).AddDiagnoses(idx, req.Items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveDiagnosis handles DELETE /sessions/{sessionID}/patients/{index}/diagnoses/{diagnosisID}
func (h *SessionHandler) RemoveDiagnosis(w http.ResponseWriter, r *http.Request) {
	idx, ok := patientIndex(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "diagnosisID"), 10, 64)
	if err != nil {
		jsonError(w, "invalid diagnosis id", http.StatusBadRequest)
		return
	}

	p, err := sessionFrom(r).RemoveDiagnosis(idx, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/infrastructure/chart"
	"github.com/drfirst/go-intake/internal/session"
	"github.com/drfirst/go-intake/pkg/circuitbreaker"
)

// maxBody caps request bodies; a batch of drafts with notes stays well below it
const maxBody = 4 << 20

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// statusOf maps workflow errors to HTTP status codes
func statusOf(err error) int {
	var statusErr *chart.StatusError
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, intake.ErrPatientNotFound),
		errors.Is(err, intake.ErrNoReview),
		errors.Is(err, diagnosis.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, intake.ErrBusy),
		errors.Is(err, intake.ErrQueueActive),
		errors.Is(err, intake.ErrQueueEmpty),
		errors.Is(err, intake.ErrReviewActive),
		errors.Is(err, intake.ErrNothingToConfirm),
		errors.Is(err, intake.ErrBatchClosed),
		errors.Is(err, diagnosis.ErrConversionInFlight),
		errors.Is(err, diagnosis.ErrNotAllVerified),
		errors.Is(err, diagnosis.ErrPrimaryLocked),
		errors.Is(err, diagnosis.ErrInvalidTransition):
		return http.StatusConflict
	case intake.IsValidationError(err),
		errors.Is(err, intake.ErrEmptyBatch),
		errors.Is(err, diagnosis.ErrCapacityExceeded),
		errors.Is(err, diagnosis.ErrEmptyNote),
		errors.Is(err, diagnosis.ErrNoAssignedCode):
		return http.StatusUnprocessableEntity
	case circuitbreaker.IsRejected(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *SessionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	var ve *intake.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, code, map[string]interface{}{
			"error":  "validation failed",
			"fields": ve.Fields,
		})
		return
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if code == http.StatusInternalServerError {
			jsonError(w, "internal error", code)
			return
		}
	}
	jsonError(w, err.Error(), code)
}

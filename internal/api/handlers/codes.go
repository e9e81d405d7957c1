package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
)

// CodeHandler serves manual diagnosis code lookups outside a review
type CodeHandler struct {
	searcher diagnosis.Searcher
	logger   *zap.Logger
}

// NewCodeHandler creates a new handler
func NewCodeHandler(searcher diagnosis.Searcher, logger *zap.Logger) *CodeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CodeHandler{searcher: searcher, logger: logger}
}

// Routes returns the handler routes
func (h *CodeHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/search", h.Search)
	return r
}

// Search handles POST /codes/search
func (h *CodeHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}

	ctx, span := otel.Tracer("intake-handler").Start(r.Context(), "search_codes")
	defer span.End()

	items, err := diagnosis.NewResolver(h.searcher, h.logger).Search(ctx, req.Query)
	if err != nil {
		code := statusOf(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		h.logger.Warn("code search failed", zap.Error(err))
		jsonError(w, "code search failed", code)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

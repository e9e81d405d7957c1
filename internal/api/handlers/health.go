package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/drfirst/go-intake/pkg/circuitbreaker"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// HealthHandler answers liveness and readiness probes
type HealthHandler struct {
	service  string
	version  string
	checks   map[string]Check
	breakers func() []circuitbreaker.HealthStatus
}

// NewHealthHandler creates probes for service. breakers may be nil.
func NewHealthHandler(service, version string, checks map[string]Check, breakers func() []circuitbreaker.HealthStatus) *HealthHandler {
	return &HealthHandler{service: service, version: version, checks: checks, breakers: breakers}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":  "healthy",
		"service": h.service,
		"version": h.version,
	}
	if h.breakers != nil {
		body["breakers"] = h.breakers()
	}
	writeJSON(w, http.StatusOK, body)
}

// Ready handles GET /ready. Every check must pass.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]string, len(names))
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			ready = false
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": results})
}

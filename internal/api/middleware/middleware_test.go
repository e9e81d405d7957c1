package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestClinicianAuth(t *testing.T) {
	var seen string
	h := ClinicianAuth(map[string]string{"k1": "dr-a"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClinicianID(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		value  string
		status int
		want   string
	}{
		{"api key header", "X-API-Key", "k1", http.StatusOK, "dr-a"},
		{"bearer token", "Authorization", "Bearer k1", http.StatusOK, "dr-a"},
		{"unknown key", "X-API-Key", "nope", http.StatusUnauthorized, ""},
		{"missing key", "", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, seen)
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.NotEqual(t, "abc", seen)
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestLoggerSeesClinician(t *testing.T) {
	inner := ClinicianAuth(map[string]string{"k1": "dr-a"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	var seen string
	probe := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			seen = wrapped.clinicianID
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "k1")
	probe(Logger(zap.NewNop())(inner)).ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "dr-a", seen)
}

// Package chart is the HTTP client for the chart collaborator API: patient
// creation, diagnosis storage, the charges worklist, note conversion and code
// search.
package chart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/pkg/circuitbreaker"
)

// Endpoint names, also used as breaker and metric labels
const (
	EndpointCreatePatient = "create_patient"
	EndpointSaveDiagnoses = "save_diagnoses"
	EndpointWorklist      = "attach_worklist"
	EndpointConvertNotes  = "convert_notes"
	EndpointSearchCodes   = "search_codes"
)

var endpointPaths = map[string]string{
	EndpointCreatePatient: "/patients",
	EndpointSaveDiagnoses: "/diagnoses/save",
	EndpointWorklist:      "/worklist",
	EndpointConvertNotes:  "/diagnoses/convert",
	EndpointSearchCodes:   "/diagnoses/search",
}

// Observer receives per-call latency
type Observer interface {
	ObserveChart(endpoint, status string, seconds float64)
}

// Config holds chart client configuration
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Breaker is applied per endpoint; Name is replaced by the endpoint
	Breaker circuitbreaker.Config
}

// DefaultConfig returns defaults for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("chart"),
	}
}

// StatusError is a non-2xx answer from the chart API
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chart %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client calls the chart API. It implements intake.Chart.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *circuitbreaker.Manager
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ intake.Chart = (*Client)(nil)

// NewClient creates a chart client. breakers and observer may be nil.
func NewClient(cfg Config, breakers *circuitbreaker.Manager, observer Observer, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("chart base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig(cfg.BaseURL).Timeout
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger, nil)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		breakers: breakers,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("chart-client"),
	}, nil
}

// CreatePatient creates or updates a patient and its admission
func (c *Client) CreatePatient(ctx context.Context, req *intake.CreatePatientRequest) (*intake.CreatePatientResponse, error) {
	var resp intake.CreatePatientResponse
	if err := c.call(ctx, EndpointCreatePatient, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type saveDiagnosesRequest struct {
	AdmissionID       int64            `json:"admission_id"`
	SelectedDiagnosis []diagnosis.Item `json:"selectedDiagnosis"`
}

// SaveDiagnoses stores the selected diagnoses for an admission. The API
// answers with a bare boolean.
func (c *Client) SaveDiagnoses(ctx context.Context, admissionID int64, items []diagnosis.Item) (bool, error) {
	if items == nil {
		items = []diagnosis.Item{}
	}
	var ok bool
	err := c.call(ctx, EndpointSaveDiagnoses, saveDiagnosesRequest{
		AdmissionID:       admissionID,
		SelectedDiagnosis: items,
	}, &ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

type worklistRequest struct {
	AdmissionID int64 `json:"admission_id"`
}

// AttachToWorklist adds an admission to the charges worklist
func (c *Client) AttachToWorklist(ctx context.Context, admissionID int64) (*intake.WorklistEntry, error) {
	var entry intake.WorklistEntry
	if err := c.call(ctx, EndpointWorklist, worklistRequest{AdmissionID: admissionID}, &entry); err != nil {
		return nil, err
	}
	if entry.AdmissionID == 0 {
		entry.AdmissionID = admissionID
	}
	return &entry, nil
}

type descriptionRequest struct {
	Description string `json:"description"`
}

// ConvertNotes submits note text for diagnosis extraction
func (c *Client) ConvertNotes(ctx context.Context, text string) (*diagnosis.ConvertResponse, error) {
	var resp diagnosis.ConvertResponse
	if err := c.call(ctx, EndpointConvertNotes, descriptionRequest{Description: text}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SearchCodes looks up diagnosis codes matching query
func (c *Client) SearchCodes(ctx context.Context, query string) ([]diagnosis.Item, error) {
	var items []diagnosis.Item
	if err := c.call(ctx, EndpointSearchCodes, descriptionRequest{Description: query}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Health returns the breaker state of every endpoint called so far
func (c *Client) Health() []circuitbreaker.HealthStatus {
	return c.breakers.GetHealthStatus()
}

// call posts body to the endpoint through its circuit breaker and decodes the
// response into out. 4xx answers do not count against the breaker.
func (c *Client) call(ctx context.Context, endpoint string, body, out interface{}) error {
	bcfg := c.cfg.Breaker
	bcfg.Name = "chart." + endpoint
	cb, err := c.breakers.GetOrCreate(bcfg.Name, bcfg)
	if err != nil {
		return fmt.Errorf("breaker %s: %w", endpoint, err)
	}

	ctx, span := c.tracer.Start(ctx, "chart."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("chart.endpoint", endpoint)))
	defer span.End()

	start := time.Now()
	status := "error"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveChart(endpoint, status, time.Since(start).Seconds())
		}
	}()

	raw, err := circuitbreaker.Do(ctx, cb, func(ctx context.Context) ([]byte, error) {
		return c.post(ctx, endpoint, body)
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			status = strconv.Itoa(se.StatusCode)
		} else if circuitbreaker.IsRejected(err) {
			status = "rejected"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("chart call failed", zap.String("endpoint", endpoint), zap.Error(err))
		return err
	}
	status = "200"

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			span.RecordError(err)
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, circuitbreaker.Permanent(fmt.Errorf("encode %s request: %w", endpoint, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+endpointPaths[endpoint], bytes.NewReader(payload))
	if err != nil {
		return nil, circuitbreaker.Permanent(fmt.Errorf("build %s request: %w", endpoint, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chart %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode < 500 {
			return nil, circuitbreaker.Permanent(se)
		}
		return nil, se
	}
	return raw, nil
}

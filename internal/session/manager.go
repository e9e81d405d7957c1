// Package session manages live intake batches. Each session wraps one
// intake.Controller and lives in memory until it is closed or goes idle.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/infrastructure/memory"
)

// ErrNotFound is returned for unknown, expired or foreign sessions
var ErrNotFound = errors.New("session not found")

// Publisher sends a record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Recorder is intake.Recorder plus the live session gauge
type Recorder interface {
	intake.Recorder
	SetActiveSessions(n int)
}

// Config holds session manager configuration
type Config struct {
	TTL         time.Duration
	SaveWorkers int
	// CompletedTopic receives a Summary after every finished save round
	CompletedTopic string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:            2 * time.Hour,
		SaveWorkers:    intake.DefaultConfig().SaveWorkers,
		CompletedTopic: "intake.completed",
	}
}

// Session is one clinician's batch of draft patients
type Session struct {
	*intake.Controller

	ClinicianID string
	BatchID     string
	CreatedAt   time.Time
}

// Info is the list view of a session
type Info struct {
	ID          string    `json:"id"`
	ClinicianID string    `json:"clinician_id"`
	BatchID     string    `json:"batch_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Patients    int       `json:"patients"`
	Queued      int       `json:"queued"`
	Closed      bool      `json:"closed"`
}

// Manager opens sessions and routes their events and completions
type Manager struct {
	cfg       Config
	chart     intake.Chart
	events    intake.EventSink
	metrics   Recorder
	publisher Publisher
	store     *memory.SessionStore[*Session]
	logger    *zap.Logger
}

// NewManager creates a session manager. events, metrics and publisher may be nil.
func NewManager(cfg Config, chart intake.Chart, events intake.EventSink, metrics Recorder, publisher Publisher, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Manager{
		cfg:       cfg,
		chart:     chart,
		events:    events,
		metrics:   metrics,
		publisher: publisher,
		store:     memory.NewSessionStore[*Session](cfg.TTL, logger),
		logger:    logger,
	}
}

// Open starts a session for patients
func (m *Manager) Open(ctx context.Context, clinicianID, batchID string, patients []intake.DraftPatient) (*Session, error) {
	id := uuid.New().String()

	icfg := intake.DefaultConfig()
	icfg.SessionID = id
	icfg.ClinicianID = clinicianID
	icfg.SaveWorkers = m.cfg.SaveWorkers
	icfg.Events = m.events
	icfg.OnComplete = m.completed
	if m.metrics != nil {
		icfg.Metrics = m.metrics
	}

	ctrl, err := intake.NewController(icfg, m.chart, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	if err := ctrl.Initialize(patients); err != nil {
		_ = ctrl.Close()
		return nil, err
	}

	s := &Session{
		Controller:  ctrl,
		ClinicianID: clinicianID,
		BatchID:     batchID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.Save(id, s); err != nil {
		_ = ctrl.Close()
		return nil, fmt.Errorf("store session: %w", err)
	}
	m.refreshGauge()

	m.logger.Info("session opened",
		zap.String("session_id", id),
		zap.String("clinician_id", clinicianID),
		zap.String("batch_id", batchID),
		zap.Int("patients", len(patients)))
	return s, nil
}

// Get returns the session if it belongs to clinicianID
func (m *Manager) Get(id, clinicianID string) (*Session, error) {
	s, ok := m.store.Get(id)
	if !ok || s.ClinicianID != clinicianID {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns the clinician's sessions, newest first
func (m *Manager) List(clinicianID string) []Info {
	out := []Info{}
	for _, id := range m.store.IDs() {
		s, ok := m.store.Get(id)
		if !ok || s.ClinicianID != clinicianID {
			continue
		}
		snap := s.Snapshot()
		out = append(out, Info{
			ID:          id,
			ClinicianID: s.ClinicianID,
			BatchID:     s.BatchID,
			CreatedAt:   s.CreatedAt,
			Patients:    len(snap.Patients),
			Queued:      snap.Queued,
			Closed:      snap.Closed,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	m.refreshGauge()
	return out
}

// Close ends a session and releases its controller
func (m *Manager) Close(id, clinicianID string) error {
	if _, err := m.Get(id, clinicianID); err != nil {
		return err
	}
	m.store.Delete(id)
	m.refreshGauge()
	m.logger.Info("session closed", zap.String("session_id", id))
	return nil
}

// Shutdown closes every session
func (m *Manager) Shutdown() {
	m.store.Flush()
	m.refreshGauge()
}

// completed announces a finished save round so upstream lists refresh
func (m *Manager) completed(ctx context.Context, s intake.Summary) {
	if m.publisher == nil || m.cfg.CompletedTopic == "" {
		return
	}
	value, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("failed to encode batch summary", zap.String("session_id", s.SessionID), zap.Error(err))
		return
	}
	if err := m.publisher.Publish(ctx, m.cfg.CompletedTopic, s.SessionID, value); err != nil {
		m.logger.Warn("failed to publish batch summary", zap.String("session_id", s.SessionID), zap.Error(err))
	}
}

func (m *Manager) refreshGauge() {
	if m.metrics != nil {
		m.metrics.SetActiveSessions(m.store.Len())
	}
}

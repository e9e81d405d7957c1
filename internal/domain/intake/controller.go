package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/notice"
	"github.com/drfirst/go-intake/pkg/workerpool"
)

// Direction is a navigation request between drafts
type Direction string

const (
	Forward Direction = "forward"
	Back    Direction = "back"
)

// ConfirmKind names the action a confirmation gates
type ConfirmKind string

const (
	ConfirmAdvance ConfirmKind = "advance"
	ConfirmSave    ConfirmKind = "save"
)

// Confirmation is a gated action waiting for the clinician to accept warnings
type Confirmation struct {
	ID       string      `json:"id"`
	Kind     ConfirmKind `json:"kind"`
	Warnings []Warning   `json:"warnings"`

	cursor int
}

func (c *Confirmation) copy() *Confirmation {
	if c == nil {
		return nil
	}
	out := *c
	out.Warnings = append([]Warning(nil), c.Warnings...)
	return &out
}

// Step is the navigation state after Advance or Confirm. Summary is true when
// the cursor is past the last draft.
type Step struct {
	Cursor       int           `json:"cursor"`
	Summary      bool          `json:"summary"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

// Resolution is the result of accepting a confirmation
type Resolution struct {
	Step *Step       `json:"step,omitempty"`
	Save *SaveReport `json:"save,omitempty"`
}

// Snapshot is a read-only view of a batch
type Snapshot struct {
	SessionID    string          `json:"session_id"`
	Patients     []DraftPatient  `json:"patients"`
	Cursor       int             `json:"cursor"`
	Summary      bool            `json:"summary"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	Duplicate    *DuplicateEntry `json:"duplicate,omitempty"`
	Queued       int             `json:"queued"`
	Saving       bool            `json:"saving"`
	Resolving    bool            `json:"resolving"`
	ReviewDraft  string          `json:"review_draft,omitempty"`
	Closed       bool            `json:"closed"`
}

// Config holds controller configuration
type Config struct {
	SessionID   string
	ClinicianID string
	// SaveWorkers bounds concurrent create calls during a save
	SaveWorkers int
	Events      EventSink
	Metrics     Recorder
	OnComplete  CompletionHook
	Clock       func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SaveWorkers: 8,
		Clock:       time.Now,
	}
}

// Controller owns one batch of draft patients from review through persistence.
// Every method is safe for concurrent use; collaborator calls run without the
// lock held and in-flight flags reject overlapping saves.
type Controller struct {
	cfg      Config
	chart    Chart
	pool     *workerpool.Pool
	pipeline *diagnosis.Pipeline
	events   EventSink
	metrics  Recorder
	logger   *zap.Logger
	tracer   trace.Tracer

	mu          sync.Mutex
	patients    []DraftPatient
	cursor      int
	pending     *Confirmation
	queue       DuplicateQueue
	saving      bool
	resolving   bool
	review      *diagnosis.Review
	reviewDraft string
	notices     []notice.Notice
	created     int
	abandoned   int
	roundFailed int
	closed      bool
}

// NewController creates a controller for one batch
func NewController(cfg Config, chart Chart, logger *zap.Logger) (*Controller, error) {
	if chart == nil {
		return nil, fmt.Errorf("chart client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.New().String()
	}
	if cfg.SaveWorkers <= 0 {
		cfg.SaveWorkers = DefaultConfig().SaveWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Controller{
		cfg:      cfg,
		chart:    chart,
		pipeline: diagnosis.NewPipeline(chart, logger),
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   logger.With(zap.String("session_id", cfg.SessionID)),
		tracer:   otel.Tracer("intake-controller"),
	}
	if c.events == nil {
		c.events = nopSink{}
	}
	if c.metrics == nil {
		c.metrics = nopRecorder{}
	}

	pool, err := workerpool.New(workerpool.Config{Workers: cfg.SaveWorkers}, c.createTask, c.logger)
	if err != nil {
		return nil, fmt.Errorf("create save pool: %w", err)
	}
	c.pool = pool
	return c, nil
}

// SessionID returns the batch identifier
func (c *Controller) SessionID() string { return c.cfg.SessionID }

// Initialize loads a new batch and resets all workflow state
func (c *Controller) Initialize(patients []DraftPatient) error {
	if len(patients) == 0 {
		return ErrEmptyBatch
	}

	drafts := make([]DraftPatient, len(patients))
	for i, p := range patients {
		p = withDraftID(p.Clone())
		res, err := diagnosis.Merge(nil, p.SelectedDiagnosis)
		if err != nil {
			return fmt.Errorf("patient %d: %w", i, err)
		}
		p.SelectedDiagnosis = res.Items
		drafts[i] = p
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.saving || c.resolving {
		return ErrBusy
	}
	c.patients = drafts
	c.cursor = 0
	c.pending = nil
	c.queue.Reset()
	c.review = nil
	c.reviewDraft = ""
	c.notices = nil
	c.created, c.abandoned, c.roundFailed = 0, 0, 0
	c.closed = false

	c.logger.Info("batch initialized", zap.Int("patients", len(drafts)))
	return nil
}

// Patients returns copies of the pending drafts
func (c *Controller) Patients() []DraftPatient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePatients(c.patients)
}

// Patient returns a copy of the draft at index
func (c *Controller) Patient(index int) (DraftPatient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.patients) {
		return DraftPatient{}, ErrPatientNotFound
	}
	return c.patients[index].Clone(), nil
}

// Snapshot returns the current batch state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		SessionID:    c.cfg.SessionID,
		Patients:     clonePatients(c.patients),
		Cursor:       c.cursor,
		Summary:      c.cursor >= len(c.patients),
		Confirmation: c.pending.copy(),
		Queued:       c.queue.Len(),
		Saving:       c.saving,
		Resolving:    c.resolving,
		ReviewDraft:  c.reviewDraft,
		Closed:       c.closed,
	}
	if head, ok := c.queue.Peek(); ok {
		s.Duplicate = &head
	}
	return s
}

// UpdatePatient replaces the draft at index. The draft id is preserved and any
// pending confirmation is discarded.
func (c *Controller) UpdatePatient(index int, p DraftPatient) (DraftPatient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureEditable(); err != nil {
		return DraftPatient{}, err
	}
	if index < 0 || index >= len(c.patients) {
		return DraftPatient{}, ErrPatientNotFound
	}

	p = p.Clone()
	p.DraftID = c.patients[index].DraftID
	res, err := diagnosis.Merge(nil, p.SelectedDiagnosis)
	if err != nil {
		return DraftPatient{}, err
	}
	p.SelectedDiagnosis = res.Items

	c.patients[index] = p
	c.pending = nil
	if c.review != nil && c.reviewDraft == p.DraftID {
		c.review.SetOwner(p.SelectedDiagnosis)
	}
	return p.Clone(), nil
}

// Advance moves the cursor. Moving forward validates the current draft: field
// errors block, warnings return a pending confirmation.
func (c *Controller) Advance(dir Direction) (*Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureEditable(); err != nil {
		return nil, err
	}
	if c.review != nil {
		return nil, ErrReviewActive
	}
	c.pending = nil

	switch dir {
	case Back:
		if c.cursor > 0 {
			c.cursor--
		}
		return c.step(), nil
	case Forward:
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}

	if c.cursor >= len(c.patients) {
		return c.step(), nil
	}

	check := Validate(c.patients[c.cursor], c.cursor, c.cfg.Clock())
	if len(check.Fields) > 0 {
		return nil, &ValidationError{Fields: check.Fields}
	}
	if len(check.Warnings) > 0 {
		c.pending = &Confirmation{
			ID:       uuid.New().String(),
			Kind:     ConfirmAdvance,
			Warnings: check.Warnings,
			cursor:   c.cursor,
		}
		return c.step(), nil
	}

	c.cursor++
	return c.step(), nil
}

// Confirm accepts the pending confirmation and performs the gated action
func (c *Controller) Confirm(ctx context.Context) (*Resolution, error) {
	c.mu.Lock()

	pending := c.pending
	if pending == nil {
		c.mu.Unlock()
		return nil, ErrNothingToConfirm
	}
	c.pending = nil
	if err := c.ensureEditable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	switch pending.Kind {
	case ConfirmAdvance:
		defer c.mu.Unlock()
		if pending.cursor != c.cursor {
			return nil, ErrNothingToConfirm
		}
		c.cursor++
		return &Resolution{Step: c.step()}, nil
	case ConfirmSave:
		if c.review != nil {
			c.mu.Unlock()
			return nil, ErrReviewActive
		}
		report, err := c.dispatch(ctx)
		if err != nil {
			return nil, err
		}
		return &Resolution{Save: report}, nil
	}

	c.mu.Unlock()
	return nil, fmt.Errorf("unknown confirmation kind %q", pending.Kind)
}

// Dismiss discards the pending confirmation
func (c *Controller) Dismiss() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ErrNothingToConfirm
	}
	c.pending = nil
	return nil
}

// DrainNotices returns and clears the accumulated notices
func (c *Controller) DrainNotices() []notice.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	if out == nil {
		out = []notice.Notice{}
	}
	return out
}

// Close releases the save pool
func (c *Controller) Close() error {
	return c.pool.Stop()
}

func (c *Controller) ensureEditable() error {
	switch {
	case c.closed:
		return ErrBatchClosed
	case c.saving || c.resolving:
		return ErrBusy
	case c.queue.Len() > 0:
		return ErrQueueActive
	}
	return nil
}

func (c *Controller) step() *Step {
	return &Step{
		Cursor:       c.cursor,
		Summary:      c.cursor >= len(c.patients),
		Confirmation: c.pending.copy(),
	}
}

func (c *Controller) indexOf(draftID string) int {
	for i, p := range c.patients {
		if p.DraftID == draftID {
			return i
		}
	}
	return -1
}

func (c *Controller) notify(n notice.Notice) {
	c.notices = append(c.notices, n)
}

// removeDrafts drops persisted or abandoned drafts. The cursor lands on the
// first survivor at or after its old position, or on the summary.
func (c *Controller) removeDrafts(removed map[string]bool) {
	if len(removed) == 0 {
		return
	}
	c.cursor = reposition(c.patients, c.cursor, removed)

	kept := make([]DraftPatient, 0, len(c.patients))
	for _, p := range c.patients {
		if !removed[p.DraftID] {
			kept = append(kept, p)
		}
	}
	c.patients = kept

	if c.review != nil && removed[c.reviewDraft] {
		c.review = nil
		c.reviewDraft = ""
	}
}

func reposition(patients []DraftPatient, cursor int, removed map[string]bool) int {
	n := 0
	for i := 0; i < cursor && i < len(patients); i++ {
		if !removed[patients[i].DraftID] {
			n++
		}
	}
	return n
}

func (c *Controller) newEvent(p *DraftPatient, t EventType, data interface{}) *Event {
	draftID := ""
	if p != nil {
		draftID = p.DraftID
	}
	e, err := NewEvent(c.cfg.SessionID, draftID, t, data)
	if err != nil {
		c.logger.Error("failed to build event", zap.String("event_type", string(t)), zap.Error(err))
		return nil
	}
	e.ClinicianID = c.cfg.ClinicianID
	if p != nil {
		e.PatientHash = p.IdentityKey()
	}
	return e
}

// publish hands events to the sink. Audit failures never fail the workflow.
func (c *Controller) publish(ctx context.Context, events []*Event) {
	batch := events[:0]
	for _, e := range events {
		if e != nil {
			batch = append(batch, e)
		}
	}
	if len(batch) == 0 {
		return
	}
	if err := c.events.Publish(ctx, batch...); err != nil {
		c.logger.Warn("failed to publish intake events", zap.Int("count", len(batch)), zap.Error(err))
	}
}

func isCapacity(err error) bool {
	return errors.Is(err, diagnosis.ErrCapacityExceeded)
}

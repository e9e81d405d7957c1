package intake

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/notice"
	"github.com/drfirst/go-intake/internal/observability/tracing"
	"github.com/drfirst/go-intake/pkg/workerpool"
)

// Outcome is what happened to one draft during a save
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Metric labels for duplicate resolution
const (
	resolvedConfirmed = "confirmed"
	resolvedFailed    = "failed"
	resolvedCancelled = "cancelled"
)

// PatientOutcome reports the create call and its follow-up writes for one draft
type PatientOutcome struct {
	DraftID         string   `json:"draft_id"`
	Name            string   `json:"name"`
	Outcome         Outcome  `json:"outcome"`
	AdmissionID     int64    `json:"admission_id,omitempty"`
	Message         string   `json:"message,omitempty"`
	DiagnosesSaved  bool     `json:"diagnoses_saved"`
	AddedToWorklist bool     `json:"added_to_worklist"`
	Warnings        []string `json:"warnings,omitempty"`
}

// SaveReport is the result of a save request. When Confirmation is set nothing
// was dispatched.
type SaveReport struct {
	Outcomes     []PatientOutcome `json:"outcomes"`
	Confirmation *Confirmation    `json:"confirmation,omitempty"`
	Duplicate    *DuplicateEntry  `json:"duplicate,omitempty"`
	Queued       int              `json:"queued"`
	Remaining    int              `json:"remaining"`
	Cursor       int              `json:"cursor"`
	Closed       bool             `json:"closed"`
}

// DuplicateStep is the result of resolving the head of the duplicate queue
type DuplicateStep struct {
	Outcome   PatientOutcome  `json:"outcome"`
	Next      *DuplicateEntry `json:"next,omitempty"`
	Queued    int             `json:"queued"`
	Remaining int             `json:"remaining"`
	Cursor    int             `json:"cursor"`
	Closed    bool            `json:"closed"`
}

type createJob struct {
	patient DraftPatient
	force   bool
}

// SaveAll validates every draft and dispatches the create calls in parallel.
// Field errors block the whole batch; warnings are aggregated into one
// confirmation.
func (c *Controller) SaveAll(ctx context.Context) (*SaveReport, error) {
	c.mu.Lock()

	if err := c.ensureEditable(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.review != nil {
		c.mu.Unlock()
		return nil, ErrReviewActive
	}
	c.pending = nil

	fields := duplicateIdentities(c.patients)
	var warnings []Warning
	now := c.cfg.Clock()
	for i, p := range c.patients {
		check := Validate(p, i, now)
		fields = append(fields, check.Fields...)
		warnings = append(warnings, check.Warnings...)
	}

	if len(fields) > 0 {
		c.mu.Unlock()
		return nil, &ValidationError{Fields: fields}
	}
	if len(warnings) > 0 {
		c.pending = &Confirmation{
			ID:       uuid.New().String(),
			Kind:     ConfirmSave,
			Warnings: warnings,
			cursor:   c.cursor,
		}
		report := &SaveReport{
			Outcomes:     []PatientOutcome{},
			Confirmation: c.pending.copy(),
			Remaining:    len(c.patients),
			Cursor:       c.cursor,
		}
		c.mu.Unlock()
		return report, nil
	}

	return c.dispatch(ctx)
}

// dispatch must be called with c.mu held and returns with it released
func (c *Controller) dispatch(ctx context.Context) (*SaveReport, error) {
	if len(c.patients) == 0 {
		c.mu.Unlock()
		return nil, ErrEmptyBatch
	}
	c.saving = true
	c.roundFailed = 0
	batch := clonePatients(c.patients)
	c.mu.Unlock()

	// Every create runs to completion once dispatched; the chart client's
	// timeout bounds each call.
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "save_batch",
		trace.WithAttributes(
			tracing.SessionIDKey.String(c.cfg.SessionID),
			attribute.Int("patients", len(batch)),
		))
	defer span.End()

	tasks := make([]*workerpool.Task, len(batch))
	for i, p := range batch {
		tasks[i] = &workerpool.Task{ID: p.DraftID, Payload: createJob{patient: p}}
	}
	results := c.pool.Run(ctx, tasks)

	c.mu.Lock()
	c.saving = false
	report, events, summary := c.applySave(batch, results)
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Int("queued", report.Queued),
		attribute.Int("remaining", report.Remaining),
	)

	c.publish(ctx, events)
	if summary != nil {
		c.complete(ctx, *summary)
	}
	return report, nil
}

// applySave processes results in dispatch order. Called with c.mu held.
func (c *Controller) applySave(batch []DraftPatient, results []*workerpool.Result) (*SaveReport, []*Event, *Summary) {
	report := &SaveReport{Outcomes: make([]PatientOutcome, 0, len(batch))}
	removed := make(map[string]bool)
	var events []*Event

	for i := range batch {
		p := &batch[i]
		out := outcomeOf(p, results[i])
		report.Outcomes = append(report.Outcomes, out)
		c.metrics.PatientSaved(string(out.Outcome))

		switch out.Outcome {
		case OutcomeCreated:
			removed[p.DraftID] = true
			c.created++
			c.notify(notice.Success(fmt.Sprintf("%s saved", p.DisplayName())).For(p.DraftID))
			for _, w := range out.Warnings {
				c.notify(notice.Warning(w).For(p.DraftID))
			}
			events = append(events, c.newEvent(p, EventPatientPersisted, persistedData(p, out, false)))
		case OutcomeDuplicate:
			c.queue.Push(DuplicateEntry{Patient: *p, Message: out.Message})
			events = append(events, c.newEvent(p, EventDuplicateQueued, DuplicateData{Message: out.Message, Pending: c.queue.Len()}))
		default:
			c.roundFailed++
			c.notify(notice.Error(fmt.Sprintf("Failed to save %s: %s", p.DisplayName(), out.Message)).For(p.DraftID))
			events = append(events, c.newEvent(p, EventPatientCreateFailed, CreateFailedData{Message: out.Message}))
		}
	}

	c.removeDrafts(removed)
	summary := c.finishIfDrained()

	report.Queued = c.queue.Len()
	if head, ok := c.queue.Peek(); ok {
		report.Duplicate = &head
	}
	report.Remaining = len(c.patients)
	report.Cursor = c.cursor
	report.Closed = c.closed

	c.logger.Info("save round dispatched",
		zap.Int("patients", len(batch)),
		zap.Int("created", len(removed)),
		zap.Int("queued", report.Queued),
		zap.Int("remaining", report.Remaining))

	return report, events, summary
}

// ConfirmDuplicate force-creates the head of the duplicate queue. The draft
// leaves the batch whether or not the create succeeds.
func (c *Controller) ConfirmDuplicate(ctx context.Context) (*DuplicateStep, error) {
	c.mu.Lock()
	if c.saving || c.resolving {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	head, ok := c.queue.Peek()
	if !ok {
		c.mu.Unlock()
		return nil, ErrQueueEmpty
	}
	c.resolving = true
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "confirm_duplicate",
		trace.WithAttributes(attribute.String("draft_id", head.Patient.DraftID)))
	out := c.create(ctx, head.Patient, true)
	span.SetAttributes(attribute.String("outcome", string(out.Outcome)))
	span.End()

	c.mu.Lock()
	c.resolving = false
	c.queue.Pop()

	p := &head.Patient
	var events []*Event
	if out.Outcome == OutcomeCreated {
		c.created++
		c.removeDrafts(map[string]bool{p.DraftID: true})
		c.notify(notice.Success(fmt.Sprintf("%s saved", p.DisplayName())).For(p.DraftID))
		for _, w := range out.Warnings {
			c.notify(notice.Warning(w).For(p.DraftID))
		}
		c.metrics.DuplicateResolved(resolvedConfirmed)
		events = append(events,
			c.newEvent(p, EventDuplicateConfirmed, DuplicateData{Pending: c.queue.Len()}),
			c.newEvent(p, EventPatientPersisted, persistedData(p, out, true)))
	} else {
		// no retry: the draft leaves the batch as abandoned
		c.abandoned++
		c.removeDrafts(map[string]bool{p.DraftID: true})
		c.notify(notice.Error(fmt.Sprintf("Failed to save %s: %s", p.DisplayName(), out.Message)).For(p.DraftID))
		c.metrics.DuplicateResolved(resolvedFailed)
		events = append(events, c.newEvent(p, EventPatientCreateFailed, CreateFailedData{Message: out.Message, Forced: true}))
	}

	summary := c.finishIfDrained()
	step := c.duplicateStep(out)
	c.mu.Unlock()

	c.publish(ctx, events)
	if summary != nil {
		c.complete(ctx, *summary)
	}
	return step, nil
}

// CancelDuplicate abandons the head of the duplicate queue. The draft is
// removed from the batch without being created.
func (c *Controller) CancelDuplicate(ctx context.Context) (*DuplicateStep, error) {
	c.mu.Lock()
	if c.saving || c.resolving {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	head, ok := c.queue.Pop()
	if !ok {
		c.mu.Unlock()
		return nil, ErrQueueEmpty
	}

	p := &head.Patient
	c.abandoned++
	c.removeDrafts(map[string]bool{p.DraftID: true})
	c.notify(notice.Info(fmt.Sprintf("%s was not saved", p.DisplayName())).For(p.DraftID))
	c.metrics.DuplicateResolved(resolvedCancelled)
	events := []*Event{c.newEvent(p, EventDuplicateCancelled, DuplicateData{Message: head.Message, Pending: c.queue.Len()})}

	out := PatientOutcome{DraftID: p.DraftID, Name: p.DisplayName(), Outcome: OutcomeCancelled, Message: head.Message}
	summary := c.finishIfDrained()
	step := c.duplicateStep(out)
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.publish(ctx, events)
	if summary != nil {
		c.complete(ctx, *summary)
	}
	return step, nil
}

func (c *Controller) duplicateStep(out PatientOutcome) *DuplicateStep {
	step := &DuplicateStep{
		Outcome:   out,
		Queued:    c.queue.Len(),
		Remaining: len(c.patients),
		Cursor:    c.cursor,
		Closed:    c.closed,
	}
	if next, ok := c.queue.Peek(); ok {
		step.Next = &next
	}
	return step
}

// finishIfDrained ends the save round once no duplicates await a decision.
// The batch closes only when no drafts remain. Called with c.mu held.
func (c *Controller) finishIfDrained() *Summary {
	if c.queue.Len() > 0 {
		return nil
	}
	s := &Summary{
		SessionID: c.cfg.SessionID,
		Created:   c.created,
		Failed:    c.roundFailed,
		Abandoned: c.abandoned,
		Remaining: len(c.patients),
	}
	switch {
	case len(c.patients) == 0:
		c.closed = true
		s.Closed = true
		c.notify(notice.Success("All patients in this batch have been processed"))
	case c.roundFailed > 0:
		c.notify(notice.Warning(fmt.Sprintf("%d patients could not be saved; correct them and save again", len(c.patients))))
	}
	return s
}

func (c *Controller) complete(ctx context.Context, s Summary) {
	if s.Closed {
		c.metrics.BatchCompleted()
	}
	c.publish(ctx, []*Event{c.newEvent(nil, EventBatchCompleted, s)})
	if c.cfg.OnComplete != nil {
		c.cfg.OnComplete(ctx, s)
	}
}

func (c *Controller) createTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	job, ok := task.Payload.(createJob)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Error: fmt.Errorf("unexpected payload %T", task.Payload)}
	}
	out := c.create(ctx, job.patient, job.force)
	res := &workerpool.Result{TaskID: task.ID, Success: out.Outcome != OutcomeFailed, Data: out}
	if out.Outcome == OutcomeFailed {
		res.Error = errors.New(out.Message)
	}
	return res
}

// create issues one create call and, on success, the diagnosis and worklist writes
func (c *Controller) create(ctx context.Context, p DraftPatient, force bool) PatientOutcome {
	out := PatientOutcome{DraftID: p.DraftID, Name: p.DisplayName()}

	resp, err := c.chart.CreatePatient(ctx, &CreatePatientRequest{DraftPatient: p, CreateAdmission: force})
	switch {
	case err != nil:
		out.Outcome = OutcomeFailed
		out.Message = err.Error()
	case resp == nil:
		out.Outcome = OutcomeFailed
		out.Message = "empty response from chart"
	case resp.Prompt && !force:
		out.Outcome = OutcomeDuplicate
		out.Message = resp.Message
		if out.Message == "" {
			out.Message = fmt.Sprintf("%s may already exist", p.DisplayName())
		}
	case resp.Success:
		out.Outcome = OutcomeCreated
		out.AdmissionID = resp.ID
		c.persistDetails(ctx, p, &out)
	default:
		out.Outcome = OutcomeFailed
		out.Message = resp.Message
		if out.Message == "" {
			out.Message = "patient could not be created"
		}
	}

	if out.Outcome == OutcomeFailed {
		c.logger.Warn("patient create failed",
			zap.String("draft_id", p.DraftID),
			zap.Bool("forced", force),
			zap.String("message", out.Message))
	}
	return out
}

// persistDetails writes diagnoses and the worklist entry. Failures here leave
// the patient created and are reported as warnings.
func (c *Controller) persistDetails(ctx context.Context, p DraftPatient, out *PatientOutcome) {
	if len(p.SelectedDiagnosis) > 0 {
		ok, err := c.chart.SaveDiagnoses(ctx, out.AdmissionID, p.SelectedDiagnosis)
		if err != nil || !ok {
			c.logger.Warn("diagnosis save failed",
				zap.String("draft_id", p.DraftID),
				zap.Int64("admission_id", out.AdmissionID),
				zap.Error(err))
			out.Warnings = append(out.Warnings, fmt.Sprintf("Diagnoses for %s were not saved", p.DisplayName()))
		} else {
			out.DiagnosesSaved = true
		}
	}

	if p.AddToCharges {
		if _, err := c.chart.AttachToWorklist(ctx, out.AdmissionID); err != nil {
			c.logger.Warn("worklist attach failed",
				zap.String("draft_id", p.DraftID),
				zap.Int64("admission_id", out.AdmissionID),
				zap.Error(err))
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s was not added to the charges worklist", p.DisplayName()))
		} else {
			out.AddedToWorklist = true
		}
	}
}

func outcomeOf(p *DraftPatient, res *workerpool.Result) PatientOutcome {
	if res != nil {
		if out, ok := res.Data.(PatientOutcome); ok {
			return out
		}
	}
	msg := "patient was not submitted"
	if res != nil && res.Error != nil {
		msg = res.Error.Error()
	}
	return PatientOutcome{DraftID: p.DraftID, Name: p.DisplayName(), Outcome: OutcomeFailed, Message: msg}
}

func persistedData(p *DraftPatient, out PatientOutcome, forced bool) PatientPersistedData {
	return PatientPersistedData{
		AdmissionID:     out.AdmissionID,
		Forced:          forced,
		DiagnosisCount:  len(p.SelectedDiagnosis),
		DiagnosesSaved:  out.DiagnosesSaved,
		AddedToWorklist: out.AddedToWorklist,
		Warnings:        out.Warnings,
	}
}

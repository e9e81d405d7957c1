package diagnosis

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/notice"
)

// ConvertResponse is the conversion service payload
type ConvertResponse struct {
	Diagnoses         []Item     `json:"diagnoses"`
	DetailedDiagnoses []Detailed `json:"detailed_diagnoses"`
}

// Converter turns clinical note text into candidate diagnoses
type Converter interface {
	ConvertNotes(ctx context.Context, text string) (*ConvertResponse, error)
}

// Conversion is the deduplicated result of one Convert call
type Conversion struct {
	Added      []*Detailed   `json:"added"`
	Duplicates int           `json:"duplicates"`
	Notice     notice.Notice `json:"notice"`
}

// Pipeline submits note text for conversion and filters out results already under review
type Pipeline struct {
	converter Converter
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewPipeline creates a conversion pipeline
func NewPipeline(converter Converter, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		converter: converter,
		logger:    logger,
		tracer:    otel.Tracer("diagnosis-pipeline"),
	}
}

// Convert calls the conversion service once and returns the items not already
// present in existing. ownerCount is the patient's current selected diagnosis count.
func (p *Pipeline) Convert(ctx context.Context, text string, existing []*Detailed, ownerCount int) (*Conversion, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyNote
	}
	if ownerCount >= MaxSelected {
		return nil, ErrCapacityExceeded
	}

	ctx, span := p.tracer.Start(ctx, "convert_notes",
		trace.WithAttributes(
			attribute.Int("note_length", len(text)),
			attribute.Int("existing", len(existing)),
		))
	defer span.End()

	resp, err := p.converter.ConvertNotes(ctx, text)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("convert notes: %w", err)
	}

	if resp == nil || len(resp.DetailedDiagnoses) == 0 {
		return &Conversion{Notice: notice.Info("No new diagnoses found in the notes")}, nil
	}

	ids := make(map[int64]struct{}, len(existing))
	texts := make(map[string]struct{}, len(existing))
	for _, d := range existing {
		remember(d, ids, texts)
	}

	out := &Conversion{}
	for i := range resp.DetailedDiagnoses {
		raw := resp.DetailedDiagnoses[i]
		if seenBefore(&raw, ids, texts) {
			out.Duplicates++
			continue
		}

		d := raw.clone()
		d.Key = uuid.New().String()
		d.Assigned.IsPrimary = false
		d.Status = ClassifyNotes(d.Notes, d.Queries)
		remember(d, ids, texts)
		out.Added = append(out.Added, d)
	}

	span.SetAttributes(
		attribute.Int("added", len(out.Added)),
		attribute.Int("duplicates", out.Duplicates),
	)

	if len(out.Added) == 0 {
		out.Notice = notice.Info("No new diagnoses found in the notes")
	} else {
		out.Notice = notice.Success(fmt.Sprintf("%d diagnoses converted from notes", len(out.Added)))
	}

	p.logger.Debug("notes converted",
		zap.Int("returned", len(resp.DetailedDiagnoses)),
		zap.Int("added", len(out.Added)),
		zap.Int("duplicates", out.Duplicates))

	return out, nil
}

// An id of zero means no code has been assigned yet and never matches.
func remember(d *Detailed, ids map[int64]struct{}, texts map[string]struct{}) {
	if d.Assigned.ID != 0 {
		ids[d.Assigned.ID] = struct{}{}
	}
	if t := normalize(d.PhysicianDiagnosis); t != "" {
		texts[t] = struct{}{}
	}
}

func seenBefore(d *Detailed, ids map[int64]struct{}, texts map[string]struct{}) bool {
	if d.Assigned.ID != 0 {
		if _, ok := ids[d.Assigned.ID]; ok {
			return true
		}
	}
	if t := normalize(d.PhysicianDiagnosis); t != "" {
		if _, ok := texts[t]; ok {
			return true
		}
	}
	return false
}

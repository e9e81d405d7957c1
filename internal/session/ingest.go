package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/diagnosis"
	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-intake/pkg/idempotency"
)

const ingestHandlerName = "intake-drafts"

// DraftBatch is a batch of extracted drafts delivered on the drafts topic
type DraftBatch struct {
	BatchID     string                `json:"batch_id"`
	ClinicianID string                `json:"clinician_id"`
	Patients    []intake.DraftPatient `json:"patients"`
}

type ingestResult struct {
	SessionID string `json:"session_id"`
}

// ConsumeObserver counts handled records
type ConsumeObserver interface {
	Consumed(topic string, err error)
}

// Ingestor opens a session for every draft batch it consumes. Each batch id
// is processed at most once; payloads that can never succeed go to the dead
// letter topic and are committed.
type Ingestor struct {
	manager    *Manager
	inbox      idempotency.Processor
	deadLetter Publisher
	dlTopic    string
	observer   ConsumeObserver
	logger     *zap.Logger
}

// NewIngestor creates a draft batch ingestor. deadLetter and observer may be nil.
func NewIngestor(manager *Manager, inbox idempotency.Processor, deadLetter Publisher, dlTopic string, observer ConsumeObserver, logger *zap.Logger) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		manager:    manager,
		inbox:      inbox,
		deadLetter: deadLetter,
		dlTopic:    dlTopic,
		observer:   observer,
		logger:     logger,
	}
}

// Handle implements redpanda.MessageHandler
func (i *Ingestor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	err := i.handle(ctx, msg)
	if i.observer != nil {
		i.observer.Consumed(msg.Topic, err)
	}
	return err
}

func (i *Ingestor) handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	batch, err := decodeBatch(msg.Value)
	if err != nil {
		return i.reject(ctx, msg, err)
	}

	key := idempotency.GenerateKey(ingestHandlerName, batch.BatchID)
	res, err := i.inbox.Process(ctx, key, ingestHandlerName, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		s, err := i.manager.Open(ctx, batch.ClinicianID, batch.BatchID, batch.Patients)
		if err != nil {
			if errors.Is(err, intake.ErrEmptyBatch) || errors.Is(err, diagnosis.ErrCapacityExceeded) {
				return nil, idempotency.Terminal(err)
			}
			return nil, err
		}
		return json.Marshal(ingestResult{SessionID: s.SessionID()})
	})
	switch {
	case err == nil:
	case idempotency.IsTerminal(err):
		return i.reject(ctx, msg, err)
	case errors.Is(err, idempotency.ErrMessageInProgress):
		i.logger.Info("draft batch already in progress", zap.String("batch_id", batch.BatchID))
		return nil
	default:
		return fmt.Errorf("ingest batch %s: %w", batch.BatchID, err)
	}

	if !res.IsNew && !res.WasRecovered {
		i.logger.Info("duplicate draft batch ignored", zap.String("batch_id", batch.BatchID))
		return nil
	}

	var out ingestResult
	_ = json.Unmarshal(res.Result, &out)
	i.logger.Info("draft batch ingested",
		zap.String("batch_id", batch.BatchID),
		zap.String("session_id", out.SessionID),
		zap.Int("patients", len(batch.Patients)))
	return nil
}

// reject forwards a record that can never be processed to the dead letter
// topic. A nil return commits the original record.
func (i *Ingestor) reject(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	i.logger.Warn("rejecting draft batch",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	if i.deadLetter == nil || i.dlTopic == "" {
		return nil
	}
	value, err := json.Marshal(map[string]interface{}{
		"source_topic": msg.Topic,
		"partition":    msg.Partition,
		"offset":       msg.Offset,
		"error":        cause.Error(),
		"payload":      json.RawMessage(validJSON(msg.Value)),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := i.deadLetter.Publish(ctx, i.dlTopic, string(msg.Key), value); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

type malformedError struct{ reason string }

func (e *malformedError) Error() string { return "malformed draft batch: " + e.reason }

// IsMalformed reports whether err describes an unusable draft batch payload
func IsMalformed(err error) bool {
	var m *malformedError
	return errors.As(err, &m)
}

func decodeBatch(raw []byte) (*DraftBatch, error) {
	var b DraftBatch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, &malformedError{reason: err.Error()}
	}
	b.BatchID = strings.TrimSpace(b.BatchID)
	switch {
	case b.BatchID == "":
		return nil, &malformedError{reason: "batch_id is required"}
	case strings.TrimSpace(b.ClinicianID) == "":
		return nil, &malformedError{reason: "clinician_id is required"}
	case len(b.Patients) == 0:
		return nil, &malformedError{reason: "patients is empty"}
	}
	return &b, nil
}

func validJSON(b []byte) []byte {
	if json.Valid(b) {
		return b
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

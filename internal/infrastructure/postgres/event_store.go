package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-intake/internal/domain/intake"
)

// EventStore appends intake events to the audit table and the outbox in one
// transaction. It implements intake.EventSink.
type EventStore struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

var _ intake.EventSink = (*EventStore)(nil)

// NewEventStore creates an event store that relays to topic
func NewEventStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStore{pool: pool, topic: topic, logger: logger}
}

// Publish persists events
func (s *EventStore) Publish(ctx context.Context, events ...*intake.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		if err := insertEvent(ctx, tx, e); err != nil {
			return err
		}

		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		entry := &OutboxEntry{
			AggregateID:   e.SessionID,
			AggregateType: "IntakeSession",
			EventType:     string(e.EventType),
			Payload:       payload,
			KafkaTopic:    s.topic,
			KafkaKey:      e.Key(),
		}
		if err := WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *intake.Event) error {
	query := `
		INSERT INTO intake_events
		(id, session_id, draft_id, event_type, event_data, clinician_id, patient_hash, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.Exec(ctx, query,
		e.ID,
		e.SessionID,
		e.DraftID,
		e.EventType,
		e.EventData,
		e.ClinicianID,
		e.PatientHash,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// SessionEvents returns the audit trail of a session in order
func (s *EventStore) SessionEvents(ctx context.Context, sessionID string) ([]*intake.Event, error) {
	query := `
		SELECT id, session_id, draft_id, event_type, event_data, clinician_id, patient_hash, occurred_at
		FROM intake_events
		WHERE session_id = $1
		ORDER BY occurred_at ASC, id ASC
	`

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*intake.Event
	for rows.Next() {
		e := &intake.Event{}
		var occurred time.Time
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.DraftID, &e.EventType, &e.EventData,
			&e.ClinicianID, &e.PatientHash, &occurred,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = occurred.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Ping checks database connectivity
func (s *EventStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

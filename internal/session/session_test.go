package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-intake/internal/domain/intake"
	"github.com/drfirst/go-intake/internal/domain/intake/intaketest"
	"github.com/drfirst/go-intake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-intake/pkg/idempotency"
)

type published struct {
	topic string
	key   string
	value []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	got  []published
	fail error
}

func (p *fakePublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	if p.fail != nil {
		return p.fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{topic, key, value})
	return nil
}

func (p *fakePublisher) records() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

type fakeRecorder struct {
	mu     sync.Mutex
	active int
}

func (r *fakeRecorder) PatientSaved(string)      {}
func (r *fakeRecorder) DuplicateResolved(string) {}
func (r *fakeRecorder) DiagnosesMerged(int)      {}
func (r *fakeRecorder) MergeRejected()           {}
func (r *fakeRecorder) BatchCompleted()          {}
func (r *fakeRecorder) SetActiveSessions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = n
}

func newManager(t *testing.T, pub Publisher, rec Recorder) *Manager {
	t.Helper()
	m := NewManager(DefaultConfig(), &intaketest.Chart{}, nil, rec, pub, nil)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_OpenGetClose(t *testing.T) {
	rec := &fakeRecorder{}
	m := newManager(t, nil, rec)
	ctx := context.Background()

	s, err := m.Open(ctx, "dr-a", "", []intake.DraftPatient{intaketest.Patient("Ada", "Lovelace")})
	require.NoError(t, err)
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, 1, rec.active)

	got, err := m.Get(s.SessionID(), "dr-a")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get(s.SessionID(), "dr-b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Close(s.SessionID(), "dr-b"), ErrNotFound)

	require.NoError(t, m.Close(s.SessionID(), "dr-a"))
	_, err = m.Get(s.SessionID(), "dr-a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, rec.active)
}

func TestManager_OpenRejectsEmptyBatch(t *testing.T) {
	m := newManager(t, nil, nil)
	_, err := m.Open(context.Background(), "dr-a", "", nil)
	assert.ErrorIs(t, err, intake.ErrEmptyBatch)
	assert.Empty(t, m.List("dr-a"))
}

func TestManager_ListIsPerClinician(t *testing.T) {
	m := newManager(t, nil, nil)
	ctx := context.Background()

	first, err := m.Open(ctx, "dr-a", "b1", []intake.DraftPatient{intaketest.Patient("Ada", "Lovelace")})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Open(ctx, "dr-a", "b2", []intake.DraftPatient{
		intaketest.Patient("Pat", "One"),
		intaketest.Patient("Pat", "Two"),
	})
	require.NoError(t, err)
	_, err = m.Open(ctx, "dr-b", "b3", []intake.DraftPatient{intaketest.Patient("Bob", "Builder")})
	require.NoError(t, err)

	list := m.List("dr-a")
	require.Len(t, list, 2)
	assert.Equal(t, second.SessionID(), list[0].ID)
	assert.Equal(t, 2, list[0].Patients)
	assert.Equal(t, "b2", list[0].BatchID)
	assert.Equal(t, first.SessionID(), list[1].ID)
}

func TestManager_PublishesCompletion(t *testing.T) {
	pub := &fakePublisher{}
	m := newManager(t, pub, nil)
	ctx := context.Background()

	s, err := m.Open(ctx, "dr-a", "", []intake.DraftPatient{intaketest.Patient("Ada", "Lovelace")})
	require.NoError(t, err)

	report, err := s.SaveAll(ctx)
	require.NoError(t, err)
	require.True(t, report.Closed)

	recs := pub.records()
	require.Len(t, recs, 1)
	assert.Equal(t, "intake.completed", recs[0].topic)
	assert.Equal(t, s.SessionID(), recs[0].key)

	var summary intake.Summary
	require.NoError(t, json.Unmarshal(recs[0].value, &summary))
	assert.Equal(t, 1, summary.Created)
	assert.True(t, summary.Closed)
}

func message(t *testing.T, v interface{}) *redpanda.ConsumedMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicDrafts, Key: []byte("k"), Value: raw}
}

func TestIngestor_OpensSessionOncePerBatch(t *testing.T) {
	m := newManager(t, nil, nil)
	dl := &fakePublisher{}
	ing := NewIngestor(m, idempotency.NewMemoryInbox(time.Hour), dl, redpanda.TopicDeadLetter, nil, nil)
	ctx := context.Background()

	msg := message(t, DraftBatch{
		BatchID:     "batch-7",
		ClinicianID: "dr-a",
		Patients:    []intake.DraftPatient{intaketest.Patient("Ada", "Lovelace")},
	})
	require.NoError(t, ing.Handle(ctx, msg))
	require.NoError(t, ing.Handle(ctx, msg))

	list := m.List("dr-a")
	require.Len(t, list, 1)
	assert.Equal(t, "batch-7", list[0].BatchID)
	assert.Empty(t, dl.records())
}

func TestIngestor_DeadLettersMalformedBatches(t *testing.T) {
	tests := []struct {
		name string
		msg  *redpanda.ConsumedMessage
	}{
		{"not json", &redpanda.ConsumedMessage{Topic: redpanda.TopicDrafts, Value: []byte("{oops")}},
		{"no batch id", message(t, DraftBatch{ClinicianID: "dr-a", Patients: []intake.DraftPatient{{}}})},
		{"no clinician", message(t, DraftBatch{BatchID: "b", Patients: []intake.DraftPatient{{}}})},
		{"no patients", message(t, DraftBatch{BatchID: "b", ClinicianID: "dr-a"})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, nil, nil)
			dl := &fakePublisher{}
			ing := NewIngestor(m, idempotency.NewMemoryInbox(time.Hour), dl, redpanda.TopicDeadLetter, nil, nil)

			require.NoError(t, ing.Handle(context.Background(), tt.msg))
			recs := dl.records()
			require.Len(t, recs, 1)
			assert.Equal(t, redpanda.TopicDeadLetter, recs[0].topic)

			var body map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(recs[0].value, &body))
			assert.Contains(t, string(body["error"]), "malformed draft batch")
			assert.Empty(t, m.List("dr-a"))
		})
	}
}

func TestIngestor_DeadLetterFailureRetries(t *testing.T) {
	m := newManager(t, nil, nil)
	dl := &fakePublisher{fail: errors.New("broker down")}
	ing := NewIngestor(m, idempotency.NewMemoryInbox(time.Hour), dl, redpanda.TopicDeadLetter, nil, nil)

	err := ing.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("nope")})
	assert.Error(t, err)
}

// Package metrics provides Prometheus metrics for the intake services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-intake/pkg/circuitbreaker"
)

// Metrics holds all application metrics. A nil *Metrics records nothing.
type Metrics struct {
	PatientsSaved         *prometheus.CounterVec
	DuplicatesResolved    *prometheus.CounterVec
	DiagnosesAdded        prometheus.Counter
	MergesRejected        prometheus.Counter
	BatchesCompleted      prometheus.Counter
	ActiveSessions        prometheus.Gauge
	ChartRequestDuration  *prometheus.HistogramVec
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PatientsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_patients_saved_total",
			Help: "Create attempts by outcome (created, duplicate, failed)",
		}, []string{"outcome"}),
		DuplicatesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_duplicates_resolved_total",
			Help: "Duplicate queue decisions by outcome",
		}, []string{"outcome"}),
		DiagnosesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_diagnoses_merged_total",
			Help: "Diagnoses added to draft patients",
		}),
		MergesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_diagnosis_merges_rejected_total",
			Help: "Diagnosis additions rejected by the per-patient limit",
		}),
		BatchesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_batches_completed_total",
			Help: "Batches with every draft persisted or abandoned",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_sessions_active",
			Help: "Open intake sessions",
		}),
		ChartRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intake_chart_request_duration_seconds",
			Help:    "Chart API request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "status"}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic", "result"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PatientsSaved,
		m.DuplicatesResolved,
		m.DiagnosesAdded,
		m.MergesRejected,
		m.BatchesCompleted,
		m.ActiveSessions,
		m.ChartRequestDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// PatientSaved counts a create attempt
func (m *Metrics) PatientSaved(outcome string) {
	if m == nil {
		return
	}
	m.PatientsSaved.WithLabelValues(outcome).Inc()
}

// DuplicateResolved counts a duplicate queue decision
func (m *Metrics) DuplicateResolved(outcome string) {
	if m == nil {
		return
	}
	m.DuplicatesResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DiagnosesMerged(added int) {
	if m == nil {
		return
	}
	m.DiagnosesAdded.Add(float64(added))
}

func (m *Metrics) MergeRejected() {
	if m == nil {
		return
	}
	m.MergesRejected.Inc()
}

func (m *Metrics) BatchCompleted() {
	if m == nil {
		return
	}
	m.BatchesCompleted.Inc()
}

// ObserveChart records one chart API call
func (m *Metrics) ObserveChart(endpoint, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ChartRequestDuration.WithLabelValues(endpoint, status).Observe(seconds)
}

// SetActiveSessions sets the open session gauge
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// Produced counts a produce attempt
func (m *Metrics) Produced(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.WithLabelValues(topic, result(err)).Inc()
}

// Consumed counts a handled record
func (m *Metrics) Consumed(topic string, err error) {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.WithLabelValues(topic, result(err)).Inc()
}

// SetOutboxPending sets the pending outbox gauge
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// BreakerStateChanged tracks circuit breaker transitions
func (m *Metrics) BreakerStateChanged(name string, s circuitbreaker.State) {
	if m == nil {
		return
	}
	v := 0.0
	switch s {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler for gatherer
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Package metrics records scan and rotation outcomes as Prometheus metrics.
//
// The CLI runs once and exits, so metrics are kept on a private registry and
// written to a file for node_exporter's textfile collector rather than served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systmms/asr/pkg/backend"
	"github.com/systmms/asr/pkg/rotation"
)

// Decision label values
const (
	DecisionDue        = "due"
	DecisionNotDue     = "not_due"
	DecisionNotFlagged = "not_flagged"
	DecisionFailed     = "failed"
)

// Metrics implements rotation.Observer on top of a private registry
type Metrics struct {
	registry *prometheus.Registry

	decisions *prometheus.CounterVec
	rotations *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lastRun   *prometheus.GaugeVec
}

// New creates and registers every metric
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asr_secret_decisions_total",
				Help: "Due check outcomes per secret",
			},
			[]string{"backend", "op", "decision"},
		),
		rotations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asr_rotations_total",
				Help: "Total number of rotations attempted",
			},
			[]string{"backend", "status"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asr_failures_total",
				Help: "Per-secret failures by error class",
			},
			[]string{"backend", "op", "class"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asr_secret_duration_seconds",
				Help:    "Time spent processing one secret",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend", "op"},
		),
		lastRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "asr_last_run_timestamp_seconds",
				Help: "Unix time of the last completed batch run",
			},
			[]string{"backend", "op"},
		),
	}
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Observe records one batch outcome
func (m *Metrics) Observe(op string, o rotation.Outcome) {
	kind := string(o.Ref.Backend())

	m.decisions.WithLabelValues(kind, op, decisionLabel(o)).Inc()
	m.duration.WithLabelValues(kind, op).Observe(o.Duration.Seconds())

	if o.Err != nil {
		m.failures.WithLabelValues(kind, op, string(backend.Classify(o.Err))).Inc()
	}
	if op != "auto" || !o.Decision.Due {
		return
	}
	switch {
	case o.Rotated != nil:
		m.rotations.WithLabelValues(kind, "success").Inc()
	case o.Err != nil:
		m.rotations.WithLabelValues(kind, "failure").Inc()
	}
}

// RecordRotation records a single rotation run outside a batch
func (m *Metrics) RecordRotation(kind backend.Kind, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
		m.failures.WithLabelValues(string(kind), "rotate", string(backend.Classify(err))).Inc()
	}
	m.rotations.WithLabelValues(string(kind), status).Inc()
	m.duration.WithLabelValues(string(kind), "rotate").Observe(elapsed.Seconds())
}

// MarkRun records the completion time of a batch run
func (m *Metrics) MarkRun(kind backend.Kind, op string, at time.Time) {
	m.lastRun.WithLabelValues(string(kind), op).Set(float64(at.Unix()))
}

// WriteToTextfile writes every metric in the text exposition format. The
// file is replaced atomically.
func (m *Metrics) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func decisionLabel(o rotation.Outcome) string {
	switch {
	case o.Err != nil && o.Decision.Reason == "":
		return DecisionFailed
	case o.Decision.Due:
		return DecisionDue
	case o.Decision.Reason == rotation.ReasonNotFlagged:
		return DecisionNotFlagged
	default:
		return DecisionNotDue
	}
}

// Package metrics provides Prometheus-based metrics recording for gate operations.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Recorder records validation, execution, and session metrics. A nil *Recorder
// is valid and drops everything, so components can treat it as optional.
type Recorder struct {
	registry *prometheus.Registry

	validations     *prometheus.CounterVec
	executions      *prometheus.CounterVec
	execDuration    *prometheus.HistogramVec
	sessionsActive  prometheus.Gauge
	sessionOpens    *prometheus.CounterVec
	keepaliveMisses prometheus.Counter
	transfers       *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry, so multiple instances
// never collide on metric registration.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_validations_total",
				Help: "Total number of command validations by dialect, stage, and outcome",
			},
			[]string{"dialect", "stage", "outcome"},
		),
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_executions_total",
				Help: "Total number of command executions by backend, dialect, and status",
			},
			[]string{"backend", "dialect", "status"},
		),
		execDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shellgate_execution_duration_seconds",
				Help:    "Duration of command executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		sessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "shellgate_ssh_sessions_active",
				Help: "Number of SSH sessions currently pooled and ready",
			},
		),
		sessionOpens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_ssh_session_opens_total",
				Help: "Total number of SSH session open attempts by status",
			},
			[]string{"status"},
		),
		keepaliveMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "shellgate_ssh_keepalive_misses_total",
				Help: "Total number of unanswered SSH keepalive probes",
			},
		),
		transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellgate_sftp_transfers_total",
				Help: "Total number of SFTP transfer operations by kind and status",
			},
			[]string{"op", "status"},
		),
	}
}

// ObserveValidation records one validation decision.
func (r *Recorder) ObserveValidation(dialect, stage string, allowed bool) {
	if r == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	if stage == "" {
		stage = "none"
	}
	r.validations.WithLabelValues(dialect, stage, outcome).Inc()
}

// ObserveExecution records one completed execution attempt.
func (r *Recorder) ObserveExecution(backend, dialect, status string, duration time.Duration) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(backend, dialect, status).Inc()
	r.execDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SessionOpened records the outcome of a session open attempt.
func (r *Recorder) SessionOpened(status string) {
	if r == nil {
		return
	}
	r.sessionOpens.WithLabelValues(status).Inc()
}

// SessionUp marks one more session as pooled and ready.
func (r *Recorder) SessionUp() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

// SessionDown marks one pooled session as gone.
func (r *Recorder) SessionDown() {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
}

// KeepaliveMiss counts one unanswered liveness probe.
func (r *Recorder) KeepaliveMiss() {
	if r == nil {
		return
	}
	r.keepaliveMisses.Inc()
}

// ObserveTransfer records one file-transfer operation.
func (r *Recorder) ObserveTransfer(op, status string) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(op, status).Inc()
}

// WriteText dumps all recorded metrics in the Prometheus text exposition
// format.
func (r *Recorder) WriteText(w io.Writer) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

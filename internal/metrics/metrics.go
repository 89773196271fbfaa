// Package metrics registers the Prometheus metrics the engine reports.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the engine's Prometheus instruments. All are
// registered on the default registry and served at /metrics.
type Metrics struct {
	// RunsTotal counts run lifecycle events.
	// Labels: event (started, completed, failed)
	RunsTotal *prometheus.CounterVec

	// PhaseTransitionsTotal counts completed phases.
	// Labels: phase
	PhaseTransitionsTotal *prometheus.CounterVec

	// RoundDuration tracks how long one phase round takes.
	// Labels: phase
	RoundDuration *prometheus.HistogramVec

	// RoutingDecisionsTotal counts agent calls by serving backend.
	// Labels: backend (local, remote)
	RoutingDecisionsTotal *prometheus.CounterVec

	// ConflictsDetectedTotal counts detected conflicts.
	// Labels: type (disagreement, implementation_choice, priority, tradeoff)
	ConflictsDetectedTotal *prometheus.CounterVec

	// EscalationsTotal counts conflicts escalated to a human.
	EscalationsTotal prometheus.Counter

	// FeedbackCommentsTotal counts consumed reviewer comments.
	FeedbackCommentsTotal prometheus.Counter

	// CheckpointWritesTotal counts checkpoint saves.
	CheckpointWritesTotal prometheus.Counter
}

// NewMetrics creates and registers the engine metrics.
//
// Registration happens once per process; every caller after the first
// gets the same instance, so double registration never panics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "engine",
					Name:      "runs_total",
					Help:      "Total number of run lifecycle events",
				},
				[]string{"event"},
			),
			PhaseTransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "engine",
					Name:      "phase_transitions_total",
					Help:      "Total number of completed phases",
				},
				[]string{"phase"},
			),
			RoundDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "quorumd",
					Subsystem: "engine",
					Name:      "round_duration_seconds",
					Help:      "Duration of phase rounds in seconds",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"phase"},
			),
			RoutingDecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "router",
					Name:      "decisions_total",
					Help:      "Total number of agent calls by serving backend",
				},
				[]string{"backend"},
			),
			ConflictsDetectedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "conflict",
					Name:      "detected_total",
					Help:      "Total number of conflicts detected",
				},
				[]string{"type"},
			),
			EscalationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "conflict",
					Name:      "escalations_total",
					Help:      "Total number of conflicts escalated to a human",
				},
			),
			FeedbackCommentsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "feedback",
					Name:      "comments_consumed_total",
					Help:      "Total number of reviewer comments consumed",
				},
			),
			CheckpointWritesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "quorumd",
					Subsystem: "checkpoint",
					Name:      "writes_total",
					Help:      "Total number of checkpoint saves",
				},
			),
		}
	})
	return globalMetrics
}

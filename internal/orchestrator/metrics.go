package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/dealflow/internal/event"
)

var (
	// EventsTotal counts handled events.
	// Labels: type, outcome (success, failed, stale, skipped, replayed, error)
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Events handled by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// HandleDuration tracks how long Handle takes per event type.
	HandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dealflow",
			Subsystem: "orchestrator",
			Name:      "handle_duration_seconds",
			Help:      "Duration of Handle calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// GateDecisionsTotal counts decision gate outcomes.
	// Labels: outcome (auto-execute, queue-for-approval, blocked)
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Decision gate outcomes",
		},
		[]string{"outcome"},
	)

	// DeliveriesTotal counts delivery attempts.
	// Labels: result (delivered, failed)
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "orchestrator",
			Name:      "deliveries_total",
			Help:      "Action delivery attempts by result",
		},
		[]string{"result"},
	)

	// OutboxRelayedTotal counts outbox jobs handed to the task queue.
	OutboxRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "orchestrator",
			Name:      "outbox_relayed_total",
			Help:      "Outbox jobs relayed to the task queue",
		},
	)

	// SweepRunsTotal counts sweeper job runs.
	// Labels: job (silence, conflicts, outbox, redelivery), result (success, error)
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Sweeper job runs by job and result",
		},
		[]string{"job", "result"},
	)

	// SweepItemsTotal counts what the sweeper acted on.
	// Labels: job
	SweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "sweeper",
			Name:      "items_total",
			Help:      "Threads, jobs or actions acted on by sweeper jobs",
		},
		[]string{"job"},
	)

	// ConflictsDetected tracks the conflicts found by the latest scan per severity.
	ConflictsDetected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dealflow",
			Subsystem: "sweeper",
			Name:      "conflicts",
			Help:      "Conflicts found by the latest scan across all owners",
		},
		[]string{"severity"},
	)

	// JobsTotal counts task queue deliveries seen by the worker.
	// Labels: name, result (ack, retry, terminate)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dealflow",
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Task queue deliveries by job name and result",
		},
		[]string{"name", "result"},
	)
)

// typeLabel keeps label cardinality bounded for unknown event types.
func typeLabel(t event.Type) string {
	if t.Known() {
		return string(t)
	}
	return "unknown"
}

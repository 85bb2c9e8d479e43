package workflows

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"

	"github.com/fyrsmithlabs/dealflow/internal/orchestrator"
)

// SweepInput is passed to every sweep activity. Now comes from workflow
// time so a replayed sweep sees the same cutoffs.
type SweepInput struct {
	Now time.Time `json:"now"`
}

// Activities runs the sweeper jobs as Temporal activities. Register a
// pointer with the worker; the workflow calls the methods by reference.
type Activities struct {
	Sweeper *orchestrator.Sweeper
}

// RelayOutbox pushes committed outbox jobs that have not reached the queue.
func (a *Activities) RelayOutbox(ctx context.Context, in SweepInput) (int, error) {
	return measure(ctx, "RelayOutbox", func() (int, error) {
		return a.Sweeper.RelayOutbox(ctx, in.Now)
	})
}

// SweepSilence enqueues silence timeouts for threads past the threshold.
func (a *Activities) SweepSilence(ctx context.Context, in SweepInput) (int, error) {
	return measure(ctx, "SweepSilence", func() (int, error) {
		return a.Sweeper.SweepSilence(ctx, in.Now)
	})
}

// RetryDeliveries re-attempts actions stuck in approved.
func (a *Activities) RetryDeliveries(ctx context.Context, in SweepInput) (int, error) {
	return measure(ctx, "RetryDeliveries", func() (int, error) {
		return a.Sweeper.RetryDeliveries(ctx, in.Now)
	})
}

// ScanConflicts runs conflict detection for every owner and returns the
// number of conflicts found.
func (a *Activities) ScanConflicts(ctx context.Context, in SweepInput) (int, error) {
	return measure(ctx, "ScanConflicts", func() (int, error) {
		reports, err := a.Sweeper.ScanConflicts(ctx, in.Now)
		n := 0
		for _, r := range reports {
			n += len(r.Conflicts)
		}
		return n, err
	})
}

func measure(ctx context.Context, name string, fn func() (int, error)) (int, error) {
	start := time.Now()
	n, err := fn()

	attrs := metric.WithAttributes(attribute.String("activity", name))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
		activity.GetLogger(ctx).Warn("sweep activity failed", "activity", name, "error", err)
		return n, WrapActivityError(name, err)
	}
	return n, nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
)

// Worker feeds task queue jobs to the orchestrator. The job name is the
// event type and the job payload is the event payload.
type Worker struct {
	orch *Orchestrator
}

// NewWorker returns a worker for o.
func NewWorker(o *Orchestrator) *Worker {
	return &Worker{orch: o}
}

// HandleJob implements queue.Handler. Errors that would fail the same way
// again terminate the job; anything else is retried, and the retry replays
// whatever already committed.
func (w *Worker) HandleJob(ctx context.Context, job queue.Job) error {
	ev := event.Event{Type: event.Type(job.Name), Payload: job.Payload}
	_, err := w.orch.Handle(ctx, ev)

	result := "ack"
	switch {
	case err == nil:
	case Permanent(err):
		result = "terminate"
		err = queue.Permanent(fmt.Errorf("job %s: %w", job.ID, err))
	default:
		result = "retry"
		w.orch.logger.Info(ctx, "job will be retried",
			zap.String("job.id", job.ID),
			zap.Int("job.attempt", job.Attempt),
			zap.Error(err))
	}
	JobsTotal.WithLabelValues(typeLabel(ev.Type), result).Inc()
	return err
}

// Run consumes q until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, q queue.Queue) error {
	err := q.Consume(ctx, w)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var _ queue.Handler = (*Worker)(nil)

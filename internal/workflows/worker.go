package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Options locate the sweep workflow on a Temporal cluster.
type Options struct {
	TaskQueue  string
	WorkflowID string
}

// NewWorker returns a worker for the task queue with the sweep workflow
// and its activities registered. The caller runs and stops it.
func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(SweepWorkflow)
	w.RegisterActivity(acts)
	return w
}

// StartSweep starts the sweep workflow under opts.WorkflowID. When that
// workflow is already running its existing run is returned, so every
// replica can call StartSweep on boot.
func StartSweep(ctx context.Context, c client.Client, opts Options, p SweepParams) (client.WorkflowRun, error) {
	if opts.WorkflowID == "" || opts.TaskQueue == "" {
		return nil, fmt.Errorf("workflow id and task queue are required")
	}
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        opts.WorkflowID,
		TaskQueue: opts.TaskQueue,
	}, SweepWorkflow, p)
	if err != nil {
		return nil, fmt.Errorf("starting sweep workflow: %w", err)
	}
	return run, nil
}

// Package workflows runs the periodic sweeper jobs as a durable Temporal
// workflow. It is the alternative to the in-process orchestrator.Scheduler
// when a Temporal cluster is available.
package workflows

import (
	"context"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	defaultInterval        = time.Minute
	defaultSweepsPerRun    = 500
	defaultActivityTimeout = 5 * time.Minute
	defaultMaxAttempts     = 3
)

// SweepParams configures SweepWorkflow. It is carried unchanged across
// continue-as-new except for Limit, which counts down.
type SweepParams struct {
	// Interval is the pause between sweeps.
	Interval time.Duration `json:"interval"`

	// SweepsPerRun bounds one execution's history. After this many sweeps
	// the workflow continues as new.
	SweepsPerRun int `json:"sweeps_per_run"`

	// Limit stops the workflow after this many sweeps in total. Zero
	// sweeps until the workflow is cancelled.
	Limit int `json:"limit,omitempty"`

	ActivityTimeout time.Duration `json:"activity_timeout"`
	MaxAttempts     int32         `json:"max_attempts"`
}

func (p SweepParams) withDefaults() SweepParams {
	if p.Interval <= 0 {
		p.Interval = defaultInterval
	}
	if p.SweepsPerRun <= 0 {
		p.SweepsPerRun = defaultSweepsPerRun
	}
	if p.ActivityTimeout <= 0 {
		p.ActivityTimeout = defaultActivityTimeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// SweepResult totals the work done by one workflow execution.
type SweepResult struct {
	Sweeps      int             `json:"sweeps"`
	Relayed     int             `json:"relayed"`
	Silenced    int             `json:"silenced"`
	Redelivered int             `json:"redelivered"`
	Conflicts   int             `json:"conflicts"`
	Errors      []ActivityError `json:"errors,omitempty"`
}

// SweepWorkflow runs the sweeper jobs every Interval. Relay runs first so
// that jobs committed before a crash reach the queue before new silence
// timeouts pile up behind them.
func SweepWorkflow(ctx workflow.Context, p SweepParams) (*SweepResult, error) {
	p = p.withDefaults()
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting sweep workflow", "interval", p.Interval, "sweepsPerRun", p.SweepsPerRun, "limit", p.Limit)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: p.ActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: p.MaxAttempts,
		},
	})

	result := &SweepResult{}
	for {
		if err := sweep(ctx, result); err != nil {
			return result, err
		}
		result.Sweeps++
		if !workflow.IsReplaying(ctx) {
			sweepCounter.Add(context.Background(), 1)
		}

		if p.Limit > 0 && result.Sweeps >= p.Limit {
			logger.Info("Sweep limit reached", "sweeps", result.Sweeps)
			return result, nil
		}
		if result.Sweeps >= p.SweepsPerRun {
			if p.Limit > 0 {
				p.Limit -= result.Sweeps
			}
			if !workflow.IsReplaying(ctx) {
				continueAsNewCounter.Add(context.Background(), 1)
			}
			logger.Info("Continuing sweep workflow as new", "sweeps", result.Sweeps)
			return result, workflow.NewContinueAsNewError(ctx, SweepWorkflow, p)
		}

		if err := workflow.Sleep(ctx, p.Interval); err != nil {
			return result, err
		}
	}
}

// sweep runs one pass of every job. A failed job is recorded and the
// pass continues; only workflow cancellation is returned.
func sweep(ctx workflow.Context, result *SweepResult) error {
	var a *Activities
	in := SweepInput{Now: workflow.Now(ctx)}

	jobs := []struct {
		name  string
		fn    any
		total *int
	}{
		{"RelayOutbox", a.RelayOutbox, &result.Relayed},
		{"SweepSilence", a.SweepSilence, &result.Silenced},
		{"RetryDeliveries", a.RetryDeliveries, &result.Redelivered},
		{"ScanConflicts", a.ScanConflicts, &result.Conflicts},
	}
	for _, job := range jobs {
		var n int
		err := workflow.ExecuteActivity(ctx, job.fn, in).Get(ctx, &n)
		if err != nil {
			if temporal.IsCanceledError(err) {
				return err
			}
			workflow.GetLogger(ctx).Error("Sweep job failed", "activity", job.name, "error", err)
			result.Errors = append(result.Errors, newActivityError(job.name, err))
			continue
		}
		*job.total += n
	}
	return nil
}

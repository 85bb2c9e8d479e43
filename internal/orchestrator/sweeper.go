package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// Sweeper job names, used in metrics and logs.
const (
	JobSilence    = "silence"
	JobConflicts  = "conflicts"
	JobOutbox     = "outbox"
	JobRedelivery = "redelivery"
)

// SweepConfig tunes the periodic jobs.
type SweepConfig struct {
	// SilenceThreshold is how long a thread may wait on the counterparty
	// before a silence timeout is raised.
	SilenceThreshold time.Duration

	// RedeliveryAfter is how long an action may sit in approved before the
	// sweeper delivers it again.
	RedeliveryAfter time.Duration

	ConflictWindow time.Duration
	BatchSize      int
}

const (
	defaultSilenceThreshold = 72 * time.Hour
	defaultRedeliveryAfter  = 5 * time.Minute
	defaultBatchSize        = 100
)

// SweepReport summarizes one RunOnce.
type SweepReport struct {
	Silenced    int                `json:"silenced"`
	Reports     []*conflict.Report `json:"reports,omitempty"`
	Conflicts   int                `json:"conflicts"`
	Relayed     int                `json:"relayed"`
	Redelivered int                `json:"redelivered"`
}

// Sweeper runs the jobs that are not triggered by an event.
type Sweeper struct {
	orch     *Orchestrator
	detector *conflict.Detector
	cfg      SweepConfig
	logger   *logging.Logger
}

// NewSweeper returns a sweeper sharing o's store, queue and deliverer.
func NewSweeper(o *Orchestrator, cfg SweepConfig) *Sweeper {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.RedeliveryAfter <= 0 {
		cfg.RedeliveryAfter = defaultRedeliveryAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Sweeper{
		orch:     o,
		detector: conflict.NewDetector(cfg.ConflictWindow),
		cfg:      cfg,
		logger:   o.logger.Named("sweeper"),
	}
}

// RunOnce runs every job. A failing job does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport
	var errs []error

	n, err := s.RelayOutbox(ctx, now)
	rep.Relayed = n
	errs = append(errs, err)

	n, err = s.SweepSilence(ctx, now)
	rep.Silenced = n
	errs = append(errs, err)

	n, err = s.RetryDeliveries(ctx, now)
	rep.Redelivered = n
	errs = append(errs, err)

	reports, err := s.ScanConflicts(ctx, now)
	rep.Reports = reports
	for _, r := range reports {
		rep.Conflicts += len(r.Conflicts)
	}
	errs = append(errs, err)

	return rep, errors.Join(errs...)
}

// SweepSilence raises a silence timeout for every thread that has waited on
// the counterparty longer than the threshold. The job ID is derived from the
// thread and its last action, so sweeping the same window twice enqueues
// once.
func (s *Sweeper) SweepSilence(ctx context.Context, now time.Time) (n int, err error) {
	defer s.observe(JobSilence, &n, &err)

	threads, err := s.orch.store.ListSilenceCandidates(ctx, now.Add(-s.cfg.SilenceThreshold), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list silence candidates: %w", err)
	}
	var errs []error
	for _, t := range threads {
		ev, err := event.New(event.SilenceTimeout, event.Silence{
			ThreadID:      t.ID,
			LastActionAt:  t.LastActionAt,
			ActionVersion: t.ActionVersion,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		jobID := ledger.Key(string(ev.Type), t.ID, ev.Payload)
		if _, err := s.orch.queue.Enqueue(ctx, string(ev.Type), ev.Payload, queue.WithJobID(jobID)); err != nil {
			errs = append(errs, fmt.Errorf("enqueue silence timeout for %s: %w", t.ID, err))
			continue
		}
		s.logger.Info(logging.WithThreadID(ctx, t.ID), "silence timeout raised",
			zap.Time("last_action_at", t.LastActionAt),
			zap.Int("follow_ups", t.FollowUpCount))
		n++
	}
	return n, errors.Join(errs...)
}

// ScanConflicts runs the conflict detector over each owner's active threads
// and stores one report per owner. Reports never change thread state.
func (s *Sweeper) ScanConflicts(ctx context.Context, now time.Time) (reports []*conflict.Report, err error) {
	n := 0
	defer s.observe(JobConflicts, &n, &err)

	owners, err := s.orch.store.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	bySeverity := map[conflict.Severity]int{}
	var errs []error
	for _, owner := range owners {
		r, err := s.scanOwner(ctx, owner, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, r)
		for _, c := range r.Conflicts {
			bySeverity[c.Severity]++
			n++
		}
		if len(r.Conflicts) > 0 {
			s.logger.Warn(logging.WithOwnerID(ctx, owner), "conflicts detected",
				zap.Int("conflicts", len(r.Conflicts)),
				zap.Int("threads", r.ThreadCount))
		}
	}
	if len(errs) == 0 {
		for _, sev := range []conflict.Severity{conflict.SeverityHigh, conflict.SeverityMedium} {
			ConflictsDetected.WithLabelValues(string(sev)).Set(float64(bySeverity[sev]))
		}
	}
	return reports, errors.Join(errs...)
}

func (s *Sweeper) scanOwner(ctx context.Context, owner string, now time.Time) (*conflict.Report, error) {
	threads, err := s.orch.store.ListActiveThreads(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list threads of %s: %w", owner, err)
	}
	subjects := make([]conflict.Subject, 0, len(threads))
	for _, t := range threads {
		snap, err := s.orch.store.LoadSnapshot(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("load thread %s: %w", t.ID, err)
		}
		subjects = append(subjects, conflict.Subject{Thread: snap.Thread, Draft: snap.Draft})
	}
	report := s.detector.Scan(owner, subjects, now)
	if err := s.orch.store.SaveConflictReport(ctx, report); err != nil {
		return nil, fmt.Errorf("save conflict report for %s: %w", owner, err)
	}
	return report, nil
}

// RelayOutbox hands undispatched outbox jobs to the queue. Jobs normally
// leave right after their commit; this picks up what a crash left behind.
func (s *Sweeper) RelayOutbox(ctx context.Context, now time.Time) (n int, err error) {
	defer s.observe(JobOutbox, &n, &err)

	jobs, err := s.orch.store.PendingOutbox(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("pending outbox: %w", err)
	}
	return relay(ctx, s.orch.queue, s.orch.store, jobs, now)
}

// RetryDeliveries delivers actions that have been approved for longer than
// the redelivery delay without being executed.
func (s *Sweeper) RetryDeliveries(ctx context.Context, now time.Time) (n int, err error) {
	defer s.observe(JobRedelivery, &n, &err)

	stuck, err := s.orch.store.ListStuckActions(ctx, now.Add(-s.cfg.RedeliveryAfter), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck actions: %w", err)
	}
	var errs []error
	for _, a := range stuck {
		delivered, err := s.orch.execute(logging.WithThreadID(ctx, a.ThreadID), a)
		if err != nil {
			errs = append(errs, err)
		}
		if delivered {
			n++
		}
	}
	return n, errors.Join(errs...)
}

func (s *Sweeper) observe(job string, n *int, err *error) {
	result := "success"
	if *err != nil {
		result = "error"
		s.logger.Warn(context.Background(), "sweep job failed", zap.String("job", job), zap.Error(*err))
	}
	SweepRunsTotal.WithLabelValues(job, result).Inc()
	SweepItemsTotal.WithLabelValues(job).Add(float64(*n))
}

// relay enqueues outbox jobs under their own IDs, so a job relayed twice is
// deduplicated by the queue, and marks the enqueued ones dispatched.
func relay(ctx context.Context, q queue.Queue, st store.Store, jobs []store.OutboxJob, now time.Time) (int, error) {
	var sent []string
	var errs []error
	for _, j := range jobs {
		opts := []queue.EnqueueOption{queue.WithJobID(j.ID)}
		if d := j.NotBefore.Sub(now); !j.NotBefore.IsZero() && d > 0 {
			opts = append(opts, queue.WithDelay(d))
		}
		if _, err := q.Enqueue(ctx, j.Name, j.Payload, opts...); err != nil {
			errs = append(errs, fmt.Errorf("enqueue outbox job %s: %w", j.ID, err))
			continue
		}
		sent = append(sent, j.ID)
	}
	if len(sent) > 0 {
		if err := st.MarkOutboxDispatched(ctx, sent, now); err != nil {
			errs = append(errs, fmt.Errorf("mark outbox dispatched: %w", err))
		}
		OutboxRelayedTotal.Add(float64(len(sent)))
	}
	return len(sent), errors.Join(errs...)
}

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/logging"
)

// SweepRunner runs one pass of the sweeper jobs.
type SweepRunner interface {
	RunOnce(ctx context.Context, now time.Time) (SweepReport, error)
}

// Scheduler runs the sweeper on a fixed interval in the background.
//
// All public methods are safe for concurrent use. When Temporal is enabled
// the SweepWorkflow takes this role and the Scheduler is not started.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	runner   SweepRunner
	now      func() time.Time
	logger   *logging.Logger

	// mu protects running, stopCh and done.
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between sweeps. Defaults to one minute.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithRunTimeout bounds a single sweep. Defaults to ten minutes.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithClock overrides the time passed to each sweep.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler returns a stopped scheduler. Call Start to begin sweeping.
func NewScheduler(runner SweepRunner, logger *logging.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("sweep runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &Scheduler{
		interval: time.Minute,
		timeout:  10 * time.Minute,
		runner:   runner,
		now:      time.Now,
		logger:   logger.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// Start launches the background loop. Starting a running scheduler is an
// error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info(context.Background(), "sweep scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for an in-progress sweep to
// finish. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info(context.Background(), "sweep scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun()
		case <-stop:
			return
		}
	}
}

// safeRun keeps a panicking sweep from taking the loop down with it.
func (s *Scheduler) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "sweep panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	rep, err := s.runner.RunOnce(ctx, s.now().UTC())
	if err != nil {
		s.logger.Warn(ctx, "sweep completed with errors", zap.Error(err))
	}
	s.logger.Debug(ctx, "sweep completed",
		zap.Int("relayed", rep.Relayed),
		zap.Int("silenced", rep.Silenced),
		zap.Int("redelivered", rep.Redelivered),
		zap.Int("conflicts", rep.Conflicts),
		zap.Duration("duration", time.Since(start)))
}

// Package queue is the task queue contract the orchestrator consumes:
// at-least-once delivery of named jobs with optional delay and retry.
//
// Implementations: memqueue (in process) and natsqueue (NATS JetStream).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Job is one delivery of an enqueued job. Attempt starts at 1 and grows on
// every redelivery.
type Job struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handle identifies an enqueued job.
type Handle struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NotBefore time.Time `json:"not_before,omitempty"`
}

// Options are the per-enqueue settings.
type Options struct {
	Delay time.Duration
	// JobID makes the enqueue idempotent: a second enqueue with the same ID
	// inside the backend's dedup window is dropped.
	JobID string
}

// EnqueueOption configures one enqueue.
type EnqueueOption func(*Options)

// WithDelay holds the job back for at least d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *Options) { o.Delay = d }
}

// WithJobID sets the job ID used for deduplication.
func WithJobID(id string) EnqueueOption {
	return func(o *Options) { o.JobID = id }
}

// Apply folds opts into an Options value.
func Apply(opts ...EnqueueOption) Options {
	var o Options
	for _, fn := range opts {
		fn(&o)
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Handler processes one job. A nil error acknowledges it; an error wrapped
// with Permanent terminates it; any other error schedules a retry.
type Handler interface {
	HandleJob(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

// HandleJob implements Handler.
func (f HandlerFunc) HandleJob(ctx context.Context, job Job) error { return f(ctx, job) }

// Queue enqueues jobs and delivers them to a handler.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts ...EnqueueOption) (Handle, error)
	// Consume delivers jobs to h until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

const (
	// DefaultMaxAttempts bounds deliveries of a failing job.
	DefaultMaxAttempts = 5

	// DefaultDedupWindow is how long a job ID is remembered.
	DefaultDedupWindow = 10 * time.Minute
)

// ErrClosed is returned by a closed queue.
var ErrClosed = errors.New("queue closed")

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryDelay is the wait before redelivering a job that failed on the given
// attempt: exponential from 1s, capped at 5m, without jitter so backends
// agree on the schedule.
func RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Package memqueue is an in-process queue.Queue. Delays and retries follow
// an injectable clock so tests can drive them without sleeping.
package memqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/queue"
)

type entry struct {
	job       queue.Job
	notBefore time.Time
	seq       int
}

type sighting struct {
	id string
	at time.Time
}

// Queue is safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	ready       []*entry
	seen        map[string]time.Time
	sightings   []sighting // enqueue order, for expiring seen
	window      time.Duration
	dead        []queue.Job
	seq         int
	closed      bool
	now         func() time.Time
	maxAttempts int
	poll        time.Duration
	logger      *zap.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for delays and retries.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithMaxAttempts caps deliveries of a failing job.
func WithMaxAttempts(n int) Option { return func(q *Queue) { q.maxAttempts = n } }

// WithDedupWindow sets how long a job ID is remembered for deduplication.
func WithDedupWindow(d time.Duration) Option { return func(q *Queue) { q.window = d } }

// WithPollInterval sets how often Consume looks for due jobs.
func WithPollInterval(d time.Duration) Option { return func(q *Queue) { q.poll = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.logger = l } }

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		seen:        make(map[string]time.Time),
		window:      queue.DefaultDedupWindow,
		now:         time.Now,
		maxAttempts: queue.DefaultMaxAttempts,
		poll:        50 * time.Millisecond,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue implements queue.Queue. A job ID repeated inside the dedup window
// is dropped and the original handle returned.
func (q *Queue) Enqueue(_ context.Context, name string, payload []byte, opts ...queue.EnqueueOption) (queue.Handle, error) {
	o := queue.Apply(opts...)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.Handle{}, queue.ErrClosed
	}
	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	}
	now := q.now()
	h := queue.Handle{ID: id, Name: name, NotBefore: now.Add(o.Delay)}
	q.expire(now)
	if _, ok := q.seen[id]; ok {
		return h, nil
	}
	q.seen[id] = now
	q.sightings = append(q.sightings, sighting{id: id, at: now})
	q.seq++
	q.ready = append(q.ready, &entry{
		job: queue.Job{
			ID:         id,
			Name:       name,
			Payload:    append([]byte(nil), payload...),
			Attempt:    1,
			EnqueuedAt: now,
		},
		notBefore: h.NotBefore,
		seq:       q.seq,
	})
	return h, nil
}

// expire forgets job IDs first seen a full window before now.
func (q *Queue) expire(now time.Time) {
	cutoff := now.Add(-q.window)
	n := 0
	for _, s := range q.sightings {
		if s.at.After(cutoff) {
			break
		}
		if q.seen[s.id].Equal(s.at) {
			delete(q.seen, s.id)
		}
		n++
	}
	if n > 0 {
		q.sightings = append(q.sightings[:0:0], q.sightings[n:]...)
	}
}

// next pops the oldest due job.
func (q *Queue) next() (*entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	sort.SliceStable(q.ready, func(i, j int) bool {
		if !q.ready[i].notBefore.Equal(q.ready[j].notBefore) {
			return q.ready[i].notBefore.Before(q.ready[j].notBefore)
		}
		return q.ready[i].seq < q.ready[j].seq
	})
	if len(q.ready) == 0 || q.ready[0].notBefore.After(now) {
		return nil, false
	}
	e := q.ready[0]
	q.ready = q.ready[1:]
	return e, true
}

func (q *Queue) settle(e *entry, err error) {
	if err == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if queue.IsPermanent(err) || e.job.Attempt >= q.maxAttempts {
		q.logger.Warn("job terminated",
			zap.String("job.id", e.job.ID),
			zap.String("job.name", e.job.Name),
			zap.Int("job.attempt", e.job.Attempt),
			zap.Error(err))
		q.dead = append(q.dead, e.job)
		return
	}
	e.notBefore = q.now().Add(queue.RetryDelay(e.job.Attempt))
	e.job.Attempt++
	q.ready = append(q.ready, e)
}

// Drain runs every job that is due, including jobs enqueued or retried
// while draining, and returns how many deliveries it made. Jobs whose delay
// has not elapsed stay queued.
func (q *Queue) Drain(ctx context.Context, h queue.Handler) int {
	n := 0
	for ctx.Err() == nil {
		e, ok := q.next()
		if !ok {
			break
		}
		n++
		q.settle(e, h.HandleJob(ctx, e.job))
	}
	return n
}

// Consume implements queue.Queue by draining on every poll tick.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		q.Drain(ctx, h)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pending returns the queued jobs, due or not.
func (q *Queue) Pending() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Job, 0, len(q.ready))
	for _, e := range q.ready {
		out = append(out, e.job)
	}
	return out
}

// Dead returns jobs that were terminated.
func (q *Queue) Dead() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Job(nil), q.dead...)
}

// Close implements queue.Queue.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ queue.Queue = (*Queue)(nil)

// Package natsqueue implements queue.Queue on a NATS JetStream work-queue
// stream with a durable pull consumer.
//
// Delays ride on a header: a job fetched before its not-before time is
// negatively acknowledged with the remaining delay. Retries use the same
// mechanism, and MaxDeliver terminates a job that keeps failing. The wait
// before a delayed job's first run counts as one delivery.
package natsqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/queue"
)

// HeaderNotBefore carries the earliest delivery time in RFC 3339 format.
const HeaderNotBefore = "Dealflow-Not-Before"

// Config configures the stream and consumer.
type Config struct {
	Stream        string
	SubjectPrefix string
	Consumer      string
	MaxDeliver    int
	AckWait       time.Duration
	FetchBatch    int
	FetchWait     time.Duration
	// Duplicates is the stream's dedup window for job IDs.
	Duplicates time.Duration
	Memory     bool
	// Backoff is the redelivery delay after a failed attempt. Defaults to
	// queue.RetryDelay.
	Backoff func(attempt int) time.Duration
}

func (c *Config) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "DEALFLOW_JOBS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "dealflow.jobs."
	}
	if c.Consumer == "" {
		c.Consumer = "dealflow-worker"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = queue.DefaultMaxAttempts
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 10
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
	if c.Duplicates <= 0 {
		c.Duplicates = queue.DefaultDedupWindow
	}
	if c.Backoff == nil {
		c.Backoff = queue.RetryDelay
	}
}

// Queue is a JetStream-backed queue.
type Queue struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// New binds to the stream, creating it when it does not exist.
func New(nc *nats.Conn, cfg Config, logger *zap.Logger) (*Queue, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	q := &Queue{nc: nc, js: js, cfg: cfg, logger: logger, now: time.Now}
	if err := q.ensureStream(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureStream() error {
	if _, err := q.js.StreamInfo(q.cfg.Stream); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", q.cfg.Stream, err)
	}
	storage := nats.FileStorage
	if q.cfg.Memory {
		storage = nats.MemoryStorage
	}
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.SubjectPrefix + ">"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    storage,
		Duplicates: q.cfg.Duplicates,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", q.cfg.Stream, err)
	}
	return nil
}

// Enqueue implements queue.Queue. The job ID becomes the JetStream message
// ID, so republishing the same job inside the dedup window is a no-op.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts ...queue.EnqueueOption) (queue.Handle, error) {
	o := queue.Apply(opts...)
	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	}
	msg := nats.NewMsg(q.cfg.SubjectPrefix + name)
	msg.Data = payload
	h := queue.Handle{ID: id, Name: name}
	if o.Delay > 0 {
		h.NotBefore = q.now().Add(o.Delay).UTC()
		msg.Header.Set(HeaderNotBefore, h.NotBefore.Format(time.RFC3339Nano))
	}
	ack, err := q.js.PublishMsg(msg, nats.MsgId(id), nats.Context(ctx))
	if err != nil {
		return queue.Handle{}, fmt.Errorf("publish job %s: %w", name, err)
	}
	if ack.Duplicate {
		q.logger.Debug("duplicate job dropped", zap.String("job.id", id), zap.String("job.name", name))
	}
	return h, nil
}

// Consume implements queue.Queue.
func (q *Queue) Consume(ctx context.Context, h queue.Handler) error {
	sub, err := q.js.PullSubscribe(q.cfg.SubjectPrefix+">", q.cfg.Consumer,
		nats.BindStream(q.cfg.Stream),
		nats.AckExplicit(),
		nats.MaxDeliver(q.cfg.MaxDeliver),
		nats.AckWait(q.cfg.AckWait),
	)
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", q.cfg.Consumer, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, q.cfg.FetchWait)
		msgs, err := sub.Fetch(q.cfg.FetchBatch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("fetch: %w", err)
		}
		for _, msg := range msgs {
			q.deliver(ctx, h, msg)
		}
	}
	return nil
}

func (q *Queue) deliver(ctx context.Context, h queue.Handler, msg *nats.Msg) {
	job := queue.Job{
		Name:    msg.Subject[len(q.cfg.SubjectPrefix):],
		Payload: msg.Data,
		ID:      msg.Header.Get(nats.MsgIdHdr),
		Attempt: 1,
	}
	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
		job.EnqueuedAt = meta.Timestamp
	}
	log := q.logger.With(zap.String("job.id", job.ID), zap.String("job.name", job.Name), zap.Int("job.attempt", job.Attempt))

	if nb := msg.Header.Get(HeaderNotBefore); nb != "" {
		if at, err := time.Parse(time.RFC3339Nano, nb); err == nil {
			if wait := at.Sub(q.now()); wait > 0 {
				_ = msg.NakWithDelay(wait)
				return
			}
		}
	}

	err := h.HandleJob(ctx, job)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Warn("ack failed", zap.Error(ackErr))
		}
	case queue.IsPermanent(err):
		log.Warn("job terminated", zap.Error(err))
		_ = msg.Term()
	case job.Attempt >= q.cfg.MaxDeliver:
		log.Error("job exhausted its deliveries", zap.Error(err))
		_ = msg.Term()
	default:
		log.Info("job failed, will retry", zap.Error(err))
		_ = msg.NakWithDelay(q.cfg.Backoff(job.Attempt))
	}
}

// Close drains the connection.
func (q *Queue) Close() error {
	if q.nc == nil || q.nc.IsClosed() {
		return nil
	}
	return q.nc.Drain()
}

var _ queue.Queue = (*Queue)(nil)

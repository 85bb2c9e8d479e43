// Package delivery hands approved actions to the outbound channel. The core
// never sends mail itself; it publishes the action and records it executed
// only after the publish succeeded.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// Deliverer sends one approved action. Implementations must tolerate being
// called more than once for the same action.
type Deliverer interface {
	Deliver(ctx context.Context, action *negotiation.ActionRequest) error
}

// Func adapts a function to Deliverer.
type Func func(ctx context.Context, action *negotiation.ActionRequest) error

// Deliver implements Deliverer.
func (f Func) Deliver(ctx context.Context, a *negotiation.ActionRequest) error { return f(ctx, a) }

// Envelope is the message published for an action.
type Envelope struct {
	ActionID  string                 `json:"action_id"`
	ThreadID  string                 `json:"thread_id"`
	OwnerID   string                 `json:"owner_id"`
	Kind      negotiation.ActionKind `json:"kind"`
	Recipient string                 `json:"recipient"`
	Subject   string                 `json:"subject,omitempty"`
	Body      string                 `json:"body"`
	DecidedBy string                 `json:"decided_by,omitempty"`
}

// EnvelopeFor builds the published form of an action.
func EnvelopeFor(a *negotiation.ActionRequest) Envelope {
	return Envelope{
		ActionID:  a.ID,
		ThreadID:  a.ThreadID,
		OwnerID:   a.OwnerID,
		Kind:      a.Kind,
		Recipient: a.Recipient,
		Subject:   a.Subject,
		Body:      a.Body,
		DecidedBy: a.DecidedBy,
	}
}

// JetStreamConfig configures the publisher.
type JetStreamConfig struct {
	Stream        string
	SubjectPrefix string
	// Duplicates is the dedup window; a redelivery of the same action
	// inside it is dropped by the server.
	Duplicates time.Duration
	Memory     bool
}

// JetStream publishes actions to "<prefix><kind>" with the action ID as the
// message ID, so repeated deliveries of one action reach subscribers once
// while inside the stream's dedup window.
type JetStream struct {
	js     nats.JetStreamContext
	cfg    JetStreamConfig
	logger *zap.Logger
}

// NewJetStream binds to the delivery stream, creating it if needed.
func NewJetStream(nc *nats.Conn, cfg JetStreamConfig, logger *zap.Logger) (*JetStream, error) {
	if cfg.Stream == "" {
		cfg.Stream = "DEALFLOW_DELIVERIES"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "dealflow.deliveries."
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		storage := nats.FileStorage
		if cfg.Memory {
			storage = nats.MemoryStorage
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.SubjectPrefix + ">"},
			Storage:    storage,
			Duplicates: cfg.Duplicates,
		}); err != nil {
			return nil, fmt.Errorf("create %s stream: %w", cfg.Stream, err)
		}
	}
	return &JetStream{js: js, cfg: cfg, logger: logger}, nil
}

// Subject returns the subject an action kind is published on.
func (j *JetStream) Subject(kind negotiation.ActionKind) string {
	return j.cfg.SubjectPrefix + string(kind)
}

// Deliver implements Deliverer.
func (j *JetStream) Deliver(ctx context.Context, a *negotiation.ActionRequest) error {
	data, err := json.Marshal(EnvelopeFor(a))
	if err != nil {
		return fmt.Errorf("marshal action %s: %w", a.ID, err)
	}
	ack, err := j.js.Publish(j.Subject(a.Kind), data, nats.MsgId(a.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish action %s: %w", a.ID, err)
	}
	j.logger.Info("action delivered",
		zap.String("action.id", a.ID),
		zap.String("thread.id", a.ThreadID),
		zap.String("action.kind", string(a.Kind)),
		zap.Uint64("stream.seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// Log only logs actions. It is the deliverer for sandboxed deployments.
type Log struct {
	Logger *zap.Logger
}

// Deliver implements Deliverer.
func (l Log) Deliver(_ context.Context, a *negotiation.ActionRequest) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("action delivery (log only)",
		zap.String("action.id", a.ID),
		zap.String("thread.id", a.ThreadID),
		zap.String("action.kind", string(a.Kind)),
		zap.String("recipient", a.Recipient))
	return nil
}

var (
	_ Deliverer = (*JetStream)(nil)
	_ Deliverer = Log{}
	_ Deliverer = Func(nil)
)

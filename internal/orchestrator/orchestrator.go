package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/dealflow/internal/decision"
	"github.com/fyrsmithlabs/dealflow/internal/delivery"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/logging"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/redact"
	"github.com/fyrsmithlabs/dealflow/internal/stage"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/dealflow/internal/orchestrator"

// ErrInvalidEvent is returned for events that can never be handled, such as
// a thread ID that does not exist. Retrying them does not help.
var ErrInvalidEvent = errors.New("invalid event")

// Permanent reports whether err will fail the same way on every retry.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, event.ErrInvalidPayload) ||
		errors.Is(err, negotiation.ErrIllegalTransition)
}

// Result describes what one Handle call did. Successful results are cached
// in the ledger entry and returned again, marked Replayed, for duplicates.
type Result struct {
	EntryID      string                   `json:"entry_id"`
	ThreadID     string                   `json:"thread_id,omitempty"`
	Outcome      ledger.Outcome           `json:"outcome"`
	Processor    string                   `json:"processor,omitempty"`
	From         negotiation.Stage        `json:"from,omitempty"`
	To           negotiation.Stage        `json:"to,omitempty"`
	ActionID     string                   `json:"action_id,omitempty"`
	ActionStatus negotiation.ActionStatus `json:"action_status,omitempty"`
	Gate         decision.Outcome         `json:"gate,omitempty"`
	GateReason   string                   `json:"gate_reason,omitempty"`
	Continued    bool                     `json:"continued,omitempty"`
	Reason       string                   `json:"reason,omitempty"`

	Replayed  bool `json:"replayed,omitempty"`
	Delivered bool `json:"delivered,omitempty"`
}

// Config holds the orchestrator's collaborators.
type Config struct {
	Store     store.Store
	Registry  *stage.Registry
	Queue     queue.Queue
	Deliverer delivery.Deliverer
	Policies  negotiation.PolicySource
	Scrubber  redact.Scrubber
	Logger    *logging.Logger

	// ManualThreads opens new threads with autopilot off. Events may
	// override it per thread.
	ManualThreads bool

	Now   func() time.Time
	NewID func() string
}

// Orchestrator handles pipeline events. It is safe for concurrent use.
type Orchestrator struct {
	store     store.Store
	ledger    *ledger.Ledger
	registry  *stage.Registry
	queue     queue.Queue
	deliverer delivery.Deliverer
	policies  negotiation.PolicySource
	scrubber  redact.Scrubber
	logger    *logging.Logger
	autopilot bool
	now       func() time.Time
	newID     func() string

	// deliveries is keyed by action ID.
	deliveries singleflight.Group
}

// New validates cfg and returns an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("stage registry is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Deliverer == nil {
		cfg.Deliverer = delivery.Log{Logger: cfg.Logger.Underlying()}
	}
	if cfg.Policies == nil {
		cfg.Policies = negotiation.StaticPolicies{}
	}
	if cfg.Scrubber == nil {
		cfg.Scrubber = redact.Noop{}
	}
	return &Orchestrator{
		store:     cfg.Store,
		ledger:    ledger.New(cfg.Store, ledger.WithClock(cfg.Now)),
		registry:  cfg.Registry,
		queue:     cfg.Queue,
		deliverer: cfg.Deliverer,
		policies:  cfg.Policies,
		scrubber:  cfg.Scrubber,
		logger:    cfg.Logger.Named("orchestrator"),
		autopilot: !cfg.ManualThreads,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}, nil
}

// Ledger exposes the execution ledger for audit reads.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.ledger }

// Store returns the store the orchestrator commits to.
func (o *Orchestrator) Store() store.Store { return o.store }

// Submit validates the routing fields of ev and enqueues it for a worker.
func (o *Orchestrator) Submit(ctx context.Context, ev event.Event) (queue.Handle, error) {
	if !ev.Type.Known() {
		return queue.Handle{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
	}
	if _, err := ev.Envelope(); err != nil {
		return queue.Handle{}, err
	}
	h, err := o.queue.Enqueue(ctx, string(ev.Type), ev.Payload)
	if err != nil {
		return queue.Handle{}, fmt.Errorf("enqueue %s: %w", ev.Type, err)
	}
	return h, nil
}

// Handle processes one event. A nil error means the event needs no retry:
// it succeeded, was replayed, or was recorded as stale or skipped. Errors
// for which Permanent is true will fail the same way again; everything else
// is worth retrying from scratch because nothing was committed.
func (o *Orchestrator) Handle(ctx context.Context, ev event.Event) (*Result, error) {
	start := time.Now()
	ctx = logging.WithEventType(ctx, string(ev.Type))
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "orchestrator.handle",
		trace.WithAttributes(attribute.String("dealflow.event.type", string(ev.Type))))
	defer span.End()

	res, err := o.handle(ctx, ev)

	outcome := "error"
	if res != nil {
		outcome = string(res.Outcome)
		if res.Replayed {
			outcome = "replayed"
		}
		span.SetAttributes(
			attribute.String("dealflow.thread.id", res.ThreadID),
			attribute.String("dealflow.outcome", outcome),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn(ctx, "event handling failed", zap.String("outcome", outcome), zap.Error(err))
	}
	EventsTotal.WithLabelValues(typeLabel(ev.Type), outcome).Inc()
	HandleDuration.WithLabelValues(typeLabel(ev.Type)).Observe(time.Since(start).Seconds())
	return res, err
}

func (o *Orchestrator) handle(ctx context.Context, ev event.Event) (*Result, error) {
	now := o.now().UTC()
	if !ev.Type.Known() {
		key := ledger.Key(string(ev.Type), "", ev.Payload)
		return o.finish(ctx, ev, key, nil, &Result{
			Outcome: ledger.OutcomeSkipped,
			Reason:  fmt.Sprintf("unknown event type %q", ev.Type),
		})
	}

	env, err := ev.Envelope()
	if err != nil {
		return o.reject(ctx, ev, "", err)
	}
	thread, err := o.resolveThread(ctx, ev, env, now)
	if err != nil {
		if Permanent(err) {
			return o.reject(ctx, ev, env.ThreadID, err)
		}
		return nil, err
	}
	ctx = logging.WithThreadID(logging.WithOwnerID(ctx, thread.OwnerID), thread.ID)

	key := ledger.Key(string(ev.Type), thread.ID, ev.Payload)
	prior, err := o.ledger.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return o.replay(ctx, prior)
	}

	snap, err := o.store.LoadSnapshot(ctx, thread.ID)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", thread.ID, err)
	}
	thread = snap.Thread

	if env.ExpectedStage != "" && env.ExpectedStage != thread.Stage {
		return o.finish(ctx, ev, key, thread, &Result{
			Outcome: ledger.OutcomeStale,
			Reason:  fmt.Sprintf("event expects %s, thread is at %s", env.ExpectedStage, thread.Stage),
		})
	}

	effective := thread.Stage
	if thread.Stage == negotiation.StageSilent && ev.Type.CounterpartyReply() {
		effective = negotiation.ResumeStage(thread.PriorStage)
	}
	proc, ok := o.registry.Lookup(effective, ev.Type)
	if !ok {
		return o.finish(ctx, ev, key, thread, &Result{
			Outcome: ledger.OutcomeSkipped,
			Reason:  fmt.Sprintf("no processor for %s at %s", ev.Type, effective),
		})
	}

	policy, err := o.policies.PolicyFor(ctx, thread.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("policy for owner %s: %w", thread.OwnerID, err)
	}
	policy = policy.ForThread(thread)

	o.logger.Trace(ctx, "running processor",
		zap.String("processor", proc.Name()),
		zap.String("stage", string(effective)),
		zap.Int("messages", len(snap.Messages)))
	prop, err := proc.Process(ctx, stage.Input{
		Event:    ev,
		Snapshot: snap,
		Stage:    effective,
		Policy:   policy,
		Now:      now,
	})
	if err == nil && prop == nil {
		err = fmt.Errorf("processor returned no proposal")
	}
	if err == nil {
		if prop.Reopen {
			err = negotiation.ValidateReopen(thread.Stage, prop.To)
		} else {
			err = negotiation.ValidateTransition(effective, prop.To)
		}
	}
	switch {
	case errors.Is(err, stage.ErrStaleInput):
		return o.finish(ctx, ev, key, thread, &Result{
			Outcome:   ledger.OutcomeStale,
			Processor: proc.Name(),
			Reason:    err.Error(),
		})
	case err != nil:
		err = fmt.Errorf("%s: %w", proc.Name(), err)
		res, lerr := o.finish(ctx, ev, key, thread, &Result{
			Outcome:   ledger.OutcomeFailed,
			Processor: proc.Name(),
			Reason:    err.Error(),
		})
		return res, errors.Join(err, lerr)
	}

	return o.apply(ctx, proposal{
		event:     ev,
		key:       key,
		snap:      snap,
		effective: effective,
		processor: proc.Name(),
		prop:      prop,
		policy:    policy,
		now:       now,
	})
}

// resolveThread finds the thread an event targets. Only email.received may
// open one, and only when it names no thread.
func (o *Orchestrator) resolveThread(ctx context.Context, ev event.Event, env event.Envelope, now time.Time) (*negotiation.Thread, error) {
	if env.ThreadID != "" {
		t, err := o.store.GetThread(ctx, env.ThreadID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: thread %s does not exist", ErrInvalidEvent, env.ThreadID)
		}
		return t, err
	}
	if !ev.Type.CreatesThread() {
		return nil, fmt.Errorf("%w: %s requires thread_id", ErrInvalidEvent, ev.Type)
	}

	var email event.Email
	if err := ev.Decode(&email); err != nil {
		return nil, err
	}
	if err := email.Validate(); err != nil {
		return nil, err
	}
	autopilot := o.autopilot
	if email.Autopilot != nil {
		autopilot = *email.Autopilot
	}
	t, created, err := o.store.EnsureThread(ctx, store.NewThread{
		ID:           o.newID(),
		OwnerID:      email.OwnerID,
		Counterparty: email.Counterparty,
		Autopilot:    autopilot,
		Now:          now,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure thread: %w", err)
	}
	if created {
		o.logger.Info(logging.WithThreadID(ctx, t.ID), "thread opened",
			zap.String("counterparty", t.Counterparty),
			zap.Bool("autopilot", t.AutopilotEnabled))
	}
	return t, nil
}

// replay returns the cached result of a successful entry. An action the
// original run approved but never got delivered is delivered now; the gate
// is not consulted again.
func (o *Orchestrator) replay(ctx context.Context, prior *ledger.Entry) (*Result, error) {
	var res Result
	if err := json.Unmarshal(prior.Result, &res); err != nil {
		return nil, fmt.Errorf("decode cached result of entry %s: %w", prior.ID, err)
	}
	res.Replayed = true
	o.logger.Debug(ctx, "replaying cached result", zap.String("entry.id", prior.ID))

	if res.ActionID == "" || res.ActionStatus != negotiation.ActionApproved {
		return &res, nil
	}
	a, err := o.store.GetAction(ctx, res.ActionID)
	if err != nil {
		return &res, fmt.Errorf("load action %s: %w", res.ActionID, err)
	}
	res.ActionStatus = a.Status
	delivered, err := o.execute(ctx, a)
	res.Delivered = delivered
	if delivered {
		res.ActionStatus = negotiation.ActionExecuted
	}
	return &res, err
}

// reject records a failed entry for an event that cannot be routed.
func (o *Orchestrator) reject(ctx context.Context, ev event.Event, threadID string, cause error) (*Result, error) {
	if !errors.Is(cause, ErrInvalidEvent) && !errors.Is(cause, event.ErrInvalidPayload) {
		cause = fmt.Errorf("%w: %v", ErrInvalidEvent, cause)
	}
	key := ledger.Key(string(ev.Type), threadID, ev.Payload)
	res, err := o.finish(ctx, ev, key, nil, &Result{
		ThreadID: threadID,
		Outcome:  ledger.OutcomeFailed,
		Reason:   cause.Error(),
	})
	return res, errors.Join(cause, err)
}

// finish appends a ledger entry for an invocation that commits nothing.
func (o *Orchestrator) finish(ctx context.Context, ev event.Event, key string, thread *negotiation.Thread, res *Result) (*Result, error) {
	e := ledger.Entry{
		EventType: string(ev.Type),
		ThreadID:  res.ThreadID,
		Processor: res.Processor,
		Outcome:   res.Outcome,
		Reason:    res.Reason,
		Input:     o.auditInput(ev.Payload),
	}
	if thread != nil {
		res.ThreadID = thread.ID
		res.From = thread.Stage
		res.To = thread.Stage
		e.ThreadID = thread.ID
		e.OwnerID = thread.OwnerID
	}
	entry, err := o.ledger.NewEntry(key, e)
	if err != nil {
		return res, err
	}
	res.EntryID = entry.ID
	entry.Result, _ = json.Marshal(res)
	if err := o.store.AppendEntry(ctx, entry); err != nil {
		return res, fmt.Errorf("append ledger entry: %w", err)
	}

	fields := []zap.Field{zap.String("outcome", string(res.Outcome)), zap.String("reason", res.Reason)}
	if res.Outcome == ledger.OutcomeFailed {
		o.logger.Warn(ctx, "event failed", fields...)
	} else {
		o.logger.Info(ctx, "event discarded", fields...)
	}
	return res, nil
}

// auditInput is the payload as stored in the ledger: scrubbed, and kept as
// JSON even when the scrubbed text is not.
func (o *Orchestrator) auditInput(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	scrubbed := o.scrubber.Scrub(string(payload)).Scrubbed
	if json.Valid([]byte(scrubbed)) {
		return json.RawMessage(scrubbed)
	}
	raw, _ := json.Marshal(scrubbed)
	return raw
}

// Execute delivers an approved action and marks it executed. Actions in any
// other status are left alone and reported as not delivered.
func (o *Orchestrator) Execute(ctx context.Context, actionID string) (bool, error) {
	a, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		return false, err
	}
	return o.execute(ctx, a)
}

// execute delivers a and then marks it executed. On delivery failure the
// action stays approved so a later attempt can deliver it without going
// back through the gate.
//
// Attempts on one action that overlap in this process share a single
// delivery. An attempt that starts after another finished rereads the
// action and finds it executed.
func (o *Orchestrator) execute(ctx context.Context, a *negotiation.ActionRequest) (bool, error) {
	if a.Status != negotiation.ActionApproved {
		return false, nil
	}
	v, err, shared := o.deliveries.Do(a.ID, func() (any, error) {
		return o.deliver(ctx, a.ID)
	})
	if shared {
		o.logger.Debug(ctx, "joined in-progress delivery", zap.String("action.id", a.ID))
	}
	delivered, _ := v.(bool)
	return delivered, err
}

func (o *Orchestrator) deliver(ctx context.Context, actionID string) (bool, error) {
	a, err := o.store.GetAction(ctx, actionID)
	if err != nil {
		return false, fmt.Errorf("load action %s: %w", actionID, err)
	}
	if a.Status != negotiation.ActionApproved {
		return false, nil
	}
	fields := []zap.Field{zap.String("action.id", a.ID), zap.String("action.kind", string(a.Kind))}
	if err := o.deliverer.Deliver(ctx, a); err != nil {
		DeliveriesTotal.WithLabelValues("failed").Inc()
		o.logger.Warn(ctx, "delivery failed", append(fields, zap.Error(err))...)
		return false, fmt.Errorf("deliver action %s: %w", a.ID, err)
	}
	DeliveriesTotal.WithLabelValues("delivered").Inc()

	if _, err := o.store.MarkExecuted(ctx, a.ID, o.now().UTC()); err != nil {
		if errors.Is(err, store.ErrActionNotApproved) {
			// Another process got there first; the deliverer dedupes on action ID.
			return true, nil
		}
		return true, fmt.Errorf("mark action %s executed: %w", a.ID, err)
	}
	o.logger.Info(ctx, "action executed", fields...)
	return true, nil
}

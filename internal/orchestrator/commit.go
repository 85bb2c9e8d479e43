package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/decision"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/stage"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// proposal is a validated processor output waiting to be gated and
// committed.
type proposal struct {
	event     event.Event
	key       string
	snap      *negotiation.Snapshot
	effective negotiation.Stage
	processor string
	prop      *stage.Proposal
	policy    negotiation.Policy
	now       time.Time
}

// plan is one attempt at committing a proposal.
type plan struct {
	commit  *store.Commit
	result  *Result
	execute *negotiation.ActionRequest

	// blocked is set when an operator decision cannot be applied; nothing is
	// committed for it.
	blocked bool
}

// apply gates the proposal's action and commits. A single-flight collision
// at commit time means another action was approved in between; the
// proposal is gated again as blocked and committed once more.
func (o *Orchestrator) apply(ctx context.Context, p proposal) (*Result, error) {
	thread := p.snap.Thread

	pl, err := o.plan(p, false)
	if err != nil {
		return nil, err
	}
	if pl.blocked {
		return o.finish(ctx, p.event, p.key, thread, pl.result)
	}

	err = o.store.Commit(ctx, pl.commit)
	if errors.Is(err, store.ErrSingleFlight) {
		o.logger.Info(ctx, "single-flight collision, gating as blocked")
		if pl, err = o.plan(p, true); err != nil {
			return nil, err
		}
		if pl.blocked {
			return o.finish(ctx, p.event, p.key, thread, pl.result)
		}
		err = o.store.Commit(ctx, pl.commit)
	}
	switch {
	case errors.Is(err, store.ErrStaleTransition):
		return o.finish(ctx, p.event, p.key, thread, &Result{
			Outcome:   ledger.OutcomeStale,
			Processor: p.processor,
			Reason:    err.Error(),
		})
	case err != nil:
		// Nothing was written; the failed entry is for diagnosis and the
		// retry starts from scratch.
		err = fmt.Errorf("commit thread %s: %w", thread.ID, err)
		res, lerr := o.finish(ctx, p.event, p.key, thread, &Result{
			Outcome:   ledger.OutcomeFailed,
			Processor: p.processor,
			Reason:    err.Error(),
		})
		return res, errors.Join(err, lerr)
	}

	res := pl.result
	if a := pl.commit.NewAction; a != nil {
		GateDecisionsTotal.WithLabelValues(a.GateOutcome).Inc()
	}
	o.logger.Info(ctx, "event committed",
		zap.String("processor", p.processor),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.To)),
		zap.String("gate", string(res.Gate)),
		zap.Bool("continued", res.Continued))

	if len(pl.commit.Outbox) > 0 {
		if _, err := relay(ctx, o.queue, o.store, pl.commit.Outbox, o.now().UTC()); err != nil {
			o.logger.Warn(ctx, "outbox relay failed, sweeper will retry", zap.Error(err))
		}
	}

	if pl.execute != nil {
		delivered, err := o.execute(ctx, pl.execute)
		res.Delivered = delivered
		if delivered {
			res.ActionStatus = negotiation.ActionExecuted
		}
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// plan builds the commit for p. With forceBlocked the action is gated as
// blocked whatever the policy says.
func (o *Orchestrator) plan(p proposal, forceBlocked bool) (*plan, error) {
	thread := p.snap.Thread
	prop := p.prop
	to := prop.To

	res := &Result{
		ThreadID:  thread.ID,
		Outcome:   ledger.OutcomeSuccess,
		Processor: p.processor,
		From:      thread.Stage,
		Reason:    prop.Note,
	}
	c := &store.Commit{
		ThreadID:        thread.ID,
		ExpectedStage:   thread.Stage,
		ExpectedVersion: thread.Version,
		Message:         prop.Message,
		Draft:           prop.Draft,
		Strategy:        prop.Strategy,
		Simulations:     prop.Simulations,
		Now:             p.now,
	}
	pl := &plan{commit: c, result: res}

	if prop.Action != nil {
		a := prop.Action.Clone()
		d := decision.Evaluate(a, p.policy, thread.InflightActionID)
		if forceBlocked {
			d = decision.Decision{Outcome: decision.Blocked, Reason: decision.ReasonInFlight}
		}
		decision.Apply(a, d, p.now)
		if d.Outcome == decision.AutoExecute {
			c.ClaimInflight = a.ID
			pl.execute = a
			if to == negotiation.StageAwaitingDecision {
				to = negotiation.StageApproved
			}
		}
		c.NewAction = a
		res.ActionID = a.ID
		res.ActionStatus = a.Status
		res.Gate = d.Outcome
		res.GateReason = d.Reason
	}

	if dec := prop.Decision; dec != nil {
		a := p.snap.Action(dec.ActionID).Clone()
		r := decision.Resolve(a, dec.Verdict, thread.InflightActionID)
		if forceBlocked && r.Approved() {
			r = decision.Resolution{Status: negotiation.ActionProposed, Blocked: true, Reason: decision.ReasonInFlight}
		}
		res.ActionID = dec.ActionID
		res.ActionStatus = r.Status
		res.GateReason = r.Reason
		if r.Blocked {
			res.Outcome = ledger.OutcomeSkipped
			res.Gate = decision.Blocked
			res.To = thread.Stage
			res.Reason = "decision blocked: " + r.Reason
			pl.blocked = true
			return pl, nil
		}
		decision.ApplyResolution(a, r, dec.Operator, p.now)
		c.UpdatedAction = a
		if r.Approved() {
			c.ClaimInflight = a.ID
			pl.execute = a
		}
	}

	entry, err := o.ledger.NewEntry(p.key, ledger.Entry{
		EventType: string(p.event.Type),
		ThreadID:  thread.ID,
		OwnerID:   thread.OwnerID,
		Processor: p.processor,
		Outcome:   ledger.OutcomeSuccess,
		Reason:    prop.Note,
		Input:     o.auditInput(p.event.Payload),
	})
	if err != nil {
		return nil, err
	}
	res.EntryID = entry.ID
	if c.NewAction != nil {
		c.NewAction.EntryID = entry.ID
	}

	c.Update = threadUpdate(thread, p.effective, to, prop, c, p.now)
	res.To = to

	if prop.Continue {
		job, err := o.continuation(thread.ID, to, entry.ID, p.now)
		if err != nil {
			return nil, err
		}
		c.Outbox = append(c.Outbox, job)
		res.Continued = true
	}

	entry.Result, err = json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	c.Entry = entry
	return pl, nil
}

// threadUpdate computes the thread columns a commit writes.
func threadUpdate(t *negotiation.Thread, effective, to negotiation.Stage, prop *stage.Proposal, c *store.Commit, now time.Time) store.ThreadUpdate {
	u := store.ThreadUpdate{Stage: to, Reopen: prop.Reopen}

	// The stage a silent thread resumes at is remembered across repeated
	// silence timeouts.
	if to == negotiation.StageSilent {
		u.PriorStage = t.PriorStage
		if t.Stage != negotiation.StageSilent {
			u.PriorStage = effective
		}
	}
	if c.NewAction != nil {
		u.LastActionAt = &now
	}
	if c.Message != nil {
		u.LastInboundAt = &now
	}

	count := t.FollowUpCount
	if t.Stage == negotiation.StageSilent && effective != negotiation.StageSilent {
		count = 0
	}
	if prop.FollowUp {
		count++
	}
	if count != t.FollowUpCount {
		u.FollowUpCount = &count
	}

	if to.Terminal() {
		u.ClosedAt = &now
	}
	return u
}

// continuation is the outbox job that runs the next stage.
func (o *Orchestrator) continuation(threadID string, to negotiation.Stage, entryID string, now time.Time) (store.OutboxJob, error) {
	payload, err := json.Marshal(event.Continue{
		ThreadID:      threadID,
		ExpectedStage: to,
		SourceEntry:   entryID,
	})
	if err != nil {
		return store.OutboxJob{}, fmt.Errorf("encode continuation: %w", err)
	}
	return store.OutboxJob{
		ID:        o.newID(),
		EntryID:   entryID,
		ThreadID:  threadID,
		Name:      string(event.StageContinue),
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

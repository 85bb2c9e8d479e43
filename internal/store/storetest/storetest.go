// Package storetest holds the behavior every store.Store implementation must
// share. Implementations call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// T0 is the reference time used by the suite.
var T0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnsureThreadIsIdempotent", func(t *testing.T) { testEnsureThread(t, newStore(t)) })
	t.Run("CommitAppliesEverything", func(t *testing.T) { testCommitApplies(t, newStore(t)) })
	t.Run("CommitRejectsStale", func(t *testing.T) { testCommitStale(t, newStore(t)) })
	t.Run("CommitEnforcesSingleFlight", func(t *testing.T) { testSingleFlight(t, newStore(t)) })
	t.Run("ConcurrentCommitsLinearize", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
	t.Run("MarkExecuted", func(t *testing.T) { testMarkExecuted(t, newStore(t)) })
	t.Run("OperatorDecisionCAS", func(t *testing.T) { testUpdatedAction(t, newStore(t)) })
	t.Run("CloseAndReopen", func(t *testing.T) { testCloseReopen(t, newStore(t)) })
	t.Run("StrategySupersede", func(t *testing.T) { testStrategies(t, newStore(t)) })
	t.Run("LedgerLookup", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Outbox", func(t *testing.T) { testOutbox(t, newStore(t)) })
	t.Run("SilenceCandidates", func(t *testing.T) { testSilenceCandidates(t, newStore(t)) })
	t.Run("ConflictReports", func(t *testing.T) { testConflictReports(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

func ensure(t *testing.T, s store.Store, owner, counterparty string) *negotiation.Thread {
	t.Helper()
	th, _, err := s.EnsureThread(context.Background(), store.NewThread{
		OwnerID: owner, Counterparty: counterparty, Autopilot: true, Now: T0,
	})
	require.NoError(t, err)
	return th
}

func entry(threadID, eventType string, outcome ledger.Outcome) *ledger.Entry {
	return &ledger.Entry{
		ID:             uuid.NewString(),
		IdempotencyKey: ledger.Key(eventType, threadID, []byte(uuid.NewString())),
		EventType:      eventType,
		ThreadID:       threadID,
		Outcome:        outcome,
		Result:         json.RawMessage(`{"ok":true}`),
		CreatedAt:      T0,
	}
}

// advance commits a bare stage change and returns the refreshed thread.
func advance(t *testing.T, s store.Store, th *negotiation.Thread, to negotiation.Stage) *negotiation.Thread {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID:        th.ID,
		ExpectedStage:   th.Stage,
		ExpectedVersion: th.Version,
		Update:          store.ThreadUpdate{Stage: to, PriorStage: th.PriorStage},
		Entry:           entry(th.ID, "stage.continue", ledger.OutcomeSuccess),
		Now:             T0,
	}))
	next, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	return next
}

func action(th *negotiation.Thread, kind negotiation.ActionKind, status negotiation.ActionStatus) *negotiation.ActionRequest {
	a := &negotiation.ActionRequest{
		ID:         uuid.NewString(),
		ThreadID:   th.ID,
		OwnerID:    th.OwnerID,
		Kind:       kind,
		Recipient:  th.Counterparty,
		Body:       "hello",
		Confidence: 0.9,
		Status:     status,
		CreatedAt:  T0,
	}
	if status == negotiation.ActionApproved {
		at := T0
		a.DecidedAt = &at
		a.DecidedBy = "gate"
	}
	return a
}

func testEnsureThread(t *testing.T, s store.Store) {
	ctx := context.Background()
	a, created, err := s.EnsureThread(ctx, store.NewThread{OwnerID: "o1", Counterparty: "Acme Corp", Now: T0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, negotiation.StageNew, a.Stage)
	assert.Equal(t, T0, a.LastActionAt.UTC())

	b, created, err := s.EnsureThread(ctx, store.NewThread{OwnerID: "o1", Counterparty: "  ACME corp", Now: T0})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)

	c, created, err := s.EnsureThread(ctx, store.NewThread{OwnerID: "o2", Counterparty: "Acme Corp", Now: T0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, a.ID, c.ID)

	owners, err := s.ListOwners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"o1", "o2"}, owners)
}

func testCommitApplies(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	inbound := T0.Add(time.Minute)

	draft := &negotiation.DealDraft{
		ID: uuid.NewString(), ThreadID: th.ID, Version: 1, Brand: "Acme",
		Budget: decimal.RequireFromString("1250.50"), Currency: "USD",
		Deliverables: []negotiation.Deliverable{{Type: "reel", Quantity: 2, DueAt: T0.Add(72 * time.Hour)}},
		Exclusivity:  &negotiation.Exclusivity{Category: "beverages"},
		CreatedAt:    T0,
	}
	msg := &negotiation.Message{ID: uuid.NewString(), ThreadID: th.ID, ExternalID: "m1", From: "brand@acme.test", Body: "offer", ReceivedAt: inbound}
	act := action(th, negotiation.ActionSendEmail, negotiation.ActionProposed)
	job := store.OutboxJob{ID: uuid.NewString(), ThreadID: th.ID, Name: "stage.continue", Payload: json.RawMessage(`{"thread_id":"x"}`), CreatedAt: T0}
	e := entry(th.ID, "email.received", ledger.OutcomeSuccess)

	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID:        th.ID,
		ExpectedStage:   negotiation.StageNew,
		ExpectedVersion: th.Version,
		Update:          store.ThreadUpdate{Stage: negotiation.StageClassified, LastInboundAt: &inbound},
		Message:         msg,
		Draft:           draft,
		NewAction:       act,
		Outbox:          []store.OutboxJob{job},
		Entry:           e,
		Now:             T0,
	}))

	snap, err := s.LoadSnapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageClassified, snap.Thread.Stage)
	assert.Equal(t, th.Version+1, snap.Thread.Version)
	assert.Equal(t, inbound, snap.Thread.LastInboundAt.UTC())
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "offer", snap.Messages[0].Body)
	require.NotNil(t, snap.Draft)
	assert.True(t, draft.Budget.Equal(snap.Draft.Budget))
	require.Len(t, snap.Draft.Deliverables, 1)
	assert.Equal(t, "reel", snap.Draft.Deliverables[0].Type)
	require.NotNil(t, snap.Draft.Exclusivity)
	require.Len(t, snap.Actions, 1)
	assert.Equal(t, act.ID, snap.Actions[0].ID)

	got, err := s.FindSuccess(ctx, e.IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.ID, got.ID)

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
}

func testCommitStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	_ = advance(t, s, th, negotiation.StageClassified)

	e := entry(th.ID, "stage.continue", ledger.OutcomeSuccess)
	err := s.Commit(ctx, &store.Commit{
		ThreadID:        th.ID,
		ExpectedStage:   negotiation.StageNew,
		ExpectedVersion: th.Version,
		Update:          store.ThreadUpdate{Stage: negotiation.StageClassified},
		Message:         &negotiation.Message{ID: uuid.NewString(), ThreadID: th.ID, Body: "late", ReceivedAt: T0},
		Entry:           e,
		Now:             T0,
	})
	require.ErrorIs(t, err, store.ErrStaleTransition)

	snap, err := s.LoadSnapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Messages, "stale commit must not write")
	found, err := s.FindSuccess(ctx, e.IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func testSingleFlight(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	first := action(th, negotiation.ActionSendEmail, negotiation.ActionApproved)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update:        store.ThreadUpdate{Stage: th.Stage},
		ClaimInflight: first.ID, NewAction: first,
		Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	}))

	th, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, th.InflightActionID)

	second := action(th, negotiation.ActionSendFollowUp, negotiation.ActionApproved)
	err = s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update:        store.ThreadUpdate{Stage: th.Stage},
		ClaimInflight: second.ID, NewAction: second,
		Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	})
	require.ErrorIs(t, err, store.ErrSingleFlight)

	_, err = s.GetAction(ctx, second.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	after, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, th.Version, after.Version, "rejected commit must not bump version")
}

func testConcurrentCommits(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := action(th, negotiation.ActionSendEmail, negotiation.ActionApproved)
			errs[i] = s.Commit(ctx, &store.Commit{
				ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
				Update:        store.ThreadUpdate{Stage: negotiation.StageClassified},
				ClaimInflight: a.ID, NewAction: a,
				Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, store.ErrStaleTransition)
	}
	assert.Equal(t, 1, ok)

	approved, err := s.ListActions(ctx, store.ActionFilter{ThreadID: th.ID, Status: negotiation.ActionApproved})
	require.NoError(t, err)
	assert.Len(t, approved, 1)
}

func testMarkExecuted(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	th = advance(t, s, th, negotiation.StageClassified)
	th = advance(t, s, th, negotiation.StageExtracted)
	th = advance(t, s, th, negotiation.StageStrategized)
	th = advance(t, s, th, negotiation.StageAwaitingDecision)

	draft := &negotiation.DealDraft{ID: uuid.NewString(), ThreadID: th.ID, Version: 1, Budget: decimal.NewFromInt(500), CreatedAt: T0}
	contract := action(th, negotiation.ActionSendContract, negotiation.ActionApproved)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update:        store.ThreadUpdate{Stage: negotiation.StageApproved},
		ClaimInflight: contract.ID, NewAction: contract, Draft: draft,
		Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	}))

	sentAt := T0.Add(time.Hour)
	got, err := s.MarkExecuted(ctx, contract.ID, sentAt)
	require.NoError(t, err)
	assert.Equal(t, negotiation.ActionExecuted, got.Status)
	require.NotNil(t, got.ExecutedAt)

	snap, err := s.LoadSnapshot(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageSent, snap.Thread.Stage)
	assert.Empty(t, snap.Thread.InflightActionID)
	assert.Equal(t, sentAt, snap.Thread.LastActionAt.UTC())
	require.NotNil(t, snap.Draft)
	assert.True(t, snap.Draft.Locked, "sending a contract locks the draft")

	_, err = s.MarkExecuted(ctx, contract.ID, sentAt)
	assert.ErrorIs(t, err, store.ErrActionNotApproved)

	stuck, err := s.ListStuckActions(ctx, T0.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stuck)
}

func testUpdatedAction(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	queued := action(th, negotiation.ActionSendEmail, negotiation.ActionProposed)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update:    store.ThreadUpdate{Stage: th.Stage},
		NewAction: queued, Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	}))
	th, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)

	decided := queued.Clone()
	decided.Status = negotiation.ActionRejected
	decided.DecidedBy = "ops"
	at := T0
	decided.DecidedAt = &at
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update:        store.ThreadUpdate{Stage: th.Stage},
		UpdatedAction: decided, Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	}))

	got, err := s.GetAction(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.ActionRejected, got.Status)
	assert.Equal(t, "ops", got.DecidedBy)

	th, err = s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	decided.Status = negotiation.ActionApproved
	err = s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update:        store.ThreadUpdate{Stage: th.Stage},
		UpdatedAction: decided, Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	})
	assert.ErrorIs(t, err, store.ErrStaleTransition, "a decided action cannot be decided again")
}

func testCloseReopen(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	closedAt := T0.Add(time.Hour)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageClosedLost, ClosedAt: &closedAt},
		Entry:  entry(th.ID, "deal.closed", ledger.OutcomeSuccess), Now: closedAt,
	}))

	active, err := s.ListActiveThreads(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, active)

	closed, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)

	// A closed thread frees the pair; the next inbound opens a new one.
	fresh := ensure(t, s, "o1", "Acme")
	assert.NotEqual(t, th.ID, fresh.ID)

	err = s.Commit(ctx, &store.Commit{
		ThreadID: closed.ID, ExpectedStage: closed.Stage, ExpectedVersion: closed.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageExtracted, Reopen: true},
		Entry:  entry(th.ID, "thread.reopen", ledger.OutcomeSuccess), Now: closedAt,
	})
	require.Error(t, err, "reopen must not create a second active thread for the pair")

	freshClose := T0.Add(2 * time.Hour)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: fresh.ID, ExpectedStage: fresh.Stage, ExpectedVersion: fresh.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageClosedWon, ClosedAt: &freshClose},
		Entry:  entry(fresh.ID, "deal.closed", ledger.OutcomeSuccess), Now: freshClose,
	}))
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: closed.ID, ExpectedStage: closed.Stage, ExpectedVersion: closed.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageExtracted, Reopen: true},
		Entry:  entry(th.ID, "thread.reopen", ledger.OutcomeSuccess), Now: freshClose,
	}))

	reopened, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageExtracted, reopened.Stage)
	assert.Nil(t, reopened.ClosedAt)

	again := ensure(t, s, "o1", "acme")
	assert.Equal(t, th.ID, again.ID)
}

func testStrategies(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")

	commitStrategy := func(th *negotiation.Thread, opening int64, sims int) *negotiation.Strategy {
		st := &negotiation.Strategy{
			ID: uuid.NewString(), ThreadID: th.ID, Style: negotiation.StyleBalanced,
			Opening:          decimal.NewFromInt(opening),
			ConcessionLadder: []decimal.Decimal{decimal.NewFromInt(opening - 100)},
			WalkAway:         decimal.NewFromInt(opening - 300),
			CreatedAt:        T0,
		}
		run := uuid.NewString()
		var batch []negotiation.Simulation
		for i := 0; i < sims; i++ {
			batch = append(batch, negotiation.Simulation{
				ID: uuid.NewString(), ThreadID: th.ID, StrategyID: st.ID, RunID: run,
				Rank: i + 1, Score: 0.9 - float64(i)/10, Reply: "r", ProjectedAmount: decimal.NewFromInt(opening),
				CreatedAt: T0,
			})
		}
		require.NoError(t, s.Commit(ctx, &store.Commit{
			ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
			Update:   store.ThreadUpdate{Stage: th.Stage},
			Strategy: st, Simulations: batch,
			Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
		}))
		return st
	}

	commitStrategy(th, 1000, 2)
	th, err := s.GetThread(ctx, th.ID)
	require.NoError(t, err)
	second := commitStrategy(th, 2000, 3)

	snap, err := s.LoadSnapshot(ctx, th.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Strategy)
	assert.Equal(t, second.ID, snap.Strategy.ID)
	assert.True(t, snap.Strategy.Current)
	assert.True(t, decimal.NewFromInt(2000).Equal(snap.Strategy.Opening))
	require.Len(t, snap.Strategy.ConcessionLadder, 1)
	assert.Len(t, snap.Simulations, 3, "only the current strategy's simulations")
}

func testLedger(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := ledger.Key("email.received", "t1", []byte(`{}`))

	failed := &ledger.Entry{ID: uuid.NewString(), IdempotencyKey: key, EventType: "email.received", ThreadID: "t1", Outcome: ledger.OutcomeFailed, CreatedAt: T0}
	require.NoError(t, s.AppendEntry(ctx, failed))
	got, err := s.FindSuccess(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "a failed entry never counts as a prior success")

	ok := &ledger.Entry{ID: uuid.NewString(), IdempotencyKey: key, EventType: "email.received", ThreadID: "t1", Outcome: ledger.OutcomeSuccess, Result: json.RawMessage(`{"a":1}`), CreatedAt: T0}
	require.NoError(t, s.AppendEntry(ctx, ok))
	got, err = s.FindSuccess(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ok.ID, got.ID)
	assert.JSONEq(t, `{"a":1}`, string(got.Result))

	history, err := s.ListEntries(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func testOutbox(t *testing.T, s store.Store) {
	ctx := context.Background()
	th := ensure(t, s, "o1", "Acme")
	jobs := []store.OutboxJob{
		{ID: uuid.NewString(), ThreadID: th.ID, Name: "stage.continue", Payload: json.RawMessage(`{"n":1}`), CreatedAt: T0},
		{ID: uuid.NewString(), ThreadID: th.ID, Name: "stage.continue", Payload: json.RawMessage(`{"n":2}`), NotBefore: T0.Add(time.Hour), CreatedAt: T0.Add(time.Second)},
	}
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: th.ID, ExpectedStage: th.Stage, ExpectedVersion: th.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageClassified},
		Outbox: jobs, Entry: entry(th.ID, "x", ledger.OutcomeSuccess), Now: T0,
	}))

	pending, err := s.PendingOutbox(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, jobs[0].ID, pending[0].ID)

	require.NoError(t, s.MarkOutboxDispatched(ctx, []string{jobs[0].ID}, T0))
	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, jobs[1].ID, pending[0].ID)
	assert.Equal(t, T0.Add(time.Hour), pending[0].NotBefore.UTC())
	assert.JSONEq(t, `{"n":2}`, string(pending[0].Payload))
}

func testSilenceCandidates(t *testing.T, s store.Store) {
	ctx := context.Background()

	quiet := ensure(t, s, "o1", "Quiet")
	quiet = advance(t, s, quiet, negotiation.StageClassified)

	replied := ensure(t, s, "o1", "Replied")
	inbound := T0.Add(time.Hour)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: replied.ID, ExpectedStage: replied.Stage, ExpectedVersion: replied.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageClassified, LastInboundAt: &inbound},
		Entry:  entry(replied.ID, "x", ledger.OutcomeSuccess), Now: inbound,
	}))

	waiting := ensure(t, s, "o1", "Waiting")
	waiting = advance(t, s, waiting, negotiation.StageClassified)
	waiting = advance(t, s, waiting, negotiation.StageExtracted)
	waiting = advance(t, s, waiting, negotiation.StageStrategized)
	_ = advance(t, s, waiting, negotiation.StageAwaitingDecision)

	// The reply and the send it prompted carry the same timestamp; the send
	// still comes after the reply.
	tied := ensure(t, s, "o1", "Tied")
	at := T0
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: tied.ID, ExpectedStage: tied.Stage, ExpectedVersion: tied.Version,
		Update: store.ThreadUpdate{Stage: negotiation.StageClassified, LastInboundAt: &at},
		Entry:  entry(tied.ID, "x", ledger.OutcomeSuccess), Now: at,
	}))
	tied, err := s.GetThread(ctx, tied.ID)
	require.NoError(t, err)
	tied = advance(t, s, tied, negotiation.StageExtracted)
	tied = advance(t, s, tied, negotiation.StageStrategized)
	tied = advance(t, s, tied, negotiation.StageAwaitingDecision)
	counter := action(tied, negotiation.ActionSendEmail, negotiation.ActionApproved)
	require.NoError(t, s.Commit(ctx, &store.Commit{
		ThreadID: tied.ID, ExpectedStage: tied.Stage, ExpectedVersion: tied.Version,
		Update:        store.ThreadUpdate{Stage: negotiation.StageApproved, LastActionAt: &at},
		ClaimInflight: counter.ID, NewAction: counter,
		Entry: entry(tied.ID, "x", ledger.OutcomeSuccess), Now: at,
	}))
	_, err = s.MarkExecuted(ctx, counter.ID, at)
	require.NoError(t, err)

	got, err := s.ListSilenceCandidates(ctx, T0.Add(48*time.Hour), 10)
	require.NoError(t, err)
	var ids []string
	for _, th := range got {
		ids = append(ids, th.ID)
	}
	assert.ElementsMatch(t, []string{quiet.ID, tied.ID}, ids)

	tied, err = s.GetThread(ctx, tied.ID)
	require.NoError(t, err)
	assert.Equal(t, tied.LastActionAt.UTC(), tied.LastInboundAt.UTC())
	assert.False(t, tied.RepliedSinceAction())
	assert.Equal(t, tied.Version, tied.ActionVersion)

	got, err = s.ListSilenceCandidates(ctx, T0, 10)
	require.NoError(t, err)
	assert.Empty(t, got, "cutoff is exclusive")
}

func testConflictReports(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.LatestConflictReport(ctx, "o1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	first := &conflict.Report{ID: uuid.NewString(), OwnerID: "o1", GeneratedAt: T0, Conflicts: []conflict.Conflict{}}
	second := &conflict.Report{
		ID: uuid.NewString(), OwnerID: "o1", GeneratedAt: T0.Add(time.Hour), ThreadCount: 2,
		Conflicts: []conflict.Conflict{{Kind: conflict.KindExclusivity, Severity: conflict.SeverityHigh, ThreadIDs: [2]string{"a", "b"}}},
	}
	require.NoError(t, s.SaveConflictReport(ctx, first))
	require.NoError(t, s.SaveConflictReport(ctx, second))

	got, err := s.LatestConflictReport(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	require.Len(t, got.Conflicts, 1)
	assert.Equal(t, conflict.KindExclusivity, got.Conflicts[0].Kind)
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetThread(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.LoadSnapshot(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetAction(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.MarkExecuted(ctx, "missing", T0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	err = s.Commit(ctx, &store.Commit{ThreadID: "missing", Now: T0})
	assert.Error(t, err)
}

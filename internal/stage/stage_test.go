package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/decision"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/oracle"
	"github.com/fyrsmithlabs/dealflow/internal/redact"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type answer struct {
	data       string
	confidence float64
}

// scripted answers each task with a fixed result; unknown tasks fail.
func scripted(answers map[string]answer) oracle.Oracle {
	return oracle.Func(func(_ context.Context, req oracle.Request) (*oracle.Result, error) {
		a, ok := answers[req.Task]
		if !ok {
			return nil, fmt.Errorf("no answer for %s", req.Task)
		}
		return &oracle.Result{Data: json.RawMessage(a.data), Confidence: a.confidence}, nil
	})
}

func testDeps(o oracle.Oracle) Deps {
	n := 0
	return Deps{
		Oracle:   oracle.NewGuard(o, time.Second, nil),
		Scrubber: redact.MustNew(nil),
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}.withDefaults()
}

func thread(stage negotiation.Stage) *negotiation.Thread {
	return &negotiation.Thread{
		ID:               "th-1",
		OwnerID:          "owner-1",
		Counterparty:     "acme",
		Stage:            stage,
		AutopilotEnabled: true,
		LastActionAt:     t0,
		Version:          3,
	}
}

func input(t *testing.T, snap *negotiation.Snapshot, typ event.Type, payload any) Input {
	t.Helper()
	ev, err := event.New(typ, payload)
	require.NoError(t, err)
	return Input{
		Event:    ev,
		Snapshot: snap,
		Stage:    snap.Thread.Stage,
		Policy:   negotiation.Policy{AutoSendEnabled: true, MinConfidence: 0.8, NegotiationStyle: negotiation.StyleBalanced},
		Now:      t0.Add(time.Hour),
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(Deps{})

	tests := []struct {
		stage negotiation.Stage
		typ   event.Type
		want  string
	}{
		{negotiation.StageNew, event.EmailReceived, "classify"},
		{negotiation.StageSent, event.EmailReceived, "classify"},
		{negotiation.StageStrategized, event.EmailReceived, "absorb"},
		{negotiation.StageRejected, event.EmailReceived, "absorb"},
		{negotiation.StageClassified, event.StageContinue, "extract"},
		{negotiation.StageExtracted, event.StageContinue, "strategize"},
		{negotiation.StageStrategized, event.StageContinue, "draft-reply"},
		{negotiation.StageRejected, event.StageContinue, "redraft"},
		{negotiation.StageSent, event.ContractRedline, "review-contract"},
		{negotiation.StageSilent, event.SilenceTimeout, "schedule-followup"},
		{negotiation.StageApproved, event.ActionDecided, "decide"},
		{negotiation.StageNew, event.DealClosed, "close"},
		{negotiation.StageClosedLost, event.ThreadReopen, "reopen"},
	}
	for _, tt := range tests {
		p, ok := r.Lookup(tt.stage, tt.typ)
		require.True(t, ok, "%s/%s", tt.stage, tt.typ)
		assert.Equal(t, tt.want, p.Name())
	}

	for _, missing := range []struct {
		stage negotiation.Stage
		typ   event.Type
	}{
		{negotiation.StageNew, event.StageContinue},
		{negotiation.StageSilent, event.EmailReceived},
		{negotiation.StageClosedWon, event.EmailReceived},
		{negotiation.StageClosedWon, event.SilenceTimeout},
		{negotiation.StageNew, event.Type("invoice.paid")},
	} {
		_, ok := r.Lookup(missing.stage, missing.typ)
		assert.False(t, ok, "%s/%s", missing.stage, missing.typ)
	}

	r.Unregister(negotiation.StageNew, event.EmailReceived)
	_, ok := r.Lookup(negotiation.StageNew, event.EmailReceived)
	assert.False(t, ok)
}

func emailPayload(body string) event.Email {
	return event.Email{OwnerID: "owner-1", Counterparty: "acme", MessageID: "m-1", From: "deals@acme.test", Subject: "Collab", Body: body}
}

func TestClassify(t *testing.T) {
	deps := testDeps(scripted(map[string]answer{"classify": {`{"intent":"counter_offer"}`, 0.9}}))
	snap := &negotiation.Snapshot{Thread: thread(negotiation.StageNew)}

	prop, err := (&Classify{deps}).Process(context.Background(), input(t, snap, event.EmailReceived,
		emailPayload("Card for the deposit: 4111 1111 1111 1111")))
	require.NoError(t, err)

	assert.Equal(t, negotiation.StageClassified, prop.To)
	assert.True(t, prop.Continue)
	require.NotNil(t, prop.Message)
	assert.Equal(t, "counter_offer", prop.Message.Intent)
	assert.Equal(t, "m-1", prop.Message.ExternalID)
	assert.NotContains(t, prop.Message.Body, "4111")
	assert.Equal(t, "th-1", prop.Message.ThreadID)
}

func TestClassify_FallsBackToHeuristic(t *testing.T) {
	deps := testDeps(oracle.Disabled{})
	snap := &negotiation.Snapshot{Thread: thread(negotiation.StageNew)}

	prop, err := (&Classify{deps}).Process(context.Background(), input(t, snap, event.EmailReceived,
		emailPayload("What is your rate for a sponsored reel?")))
	require.NoError(t, err)
	assert.Equal(t, IntentDealInquiry, prop.Message.Intent)
	assert.Contains(t, prop.Note, "degraded true")
}

func TestClassify_InvalidPayload(t *testing.T) {
	snap := &negotiation.Snapshot{Thread: thread(negotiation.StageNew)}
	_, err := (&Classify{testDeps(nil)}).Process(context.Background(), input(t, snap, event.EmailReceived, event.Email{OwnerID: "o", Counterparty: "c"}))
	assert.ErrorIs(t, err, event.ErrInvalidPayload)
}

func TestAbsorb_ResumesSilentThread(t *testing.T) {
	th := thread(negotiation.StageSilent)
	th.PriorStage = negotiation.StageStrategized
	snap := &negotiation.Snapshot{Thread: th}
	in := input(t, snap, event.EmailReceived, emailPayload("any update?"))
	in.Stage = negotiation.ResumeStage(th.PriorStage)

	prop, err := (&Absorb{testDeps(nil)}).Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageStrategized, prop.To)
	assert.False(t, prop.Continue)
	assert.NotNil(t, prop.Message)
}

func TestExtract(t *testing.T) {
	deps := testDeps(scripted(map[string]answer{"extract": {`{
		"brand": "Acme Outdoors", "budget": 12000, "currency": "usd",
		"deliverables": [{"type": "Instagram Reel", "quantity": 2, "due_at": "2026-06-01"}],
		"exclusivity": {"category": "Outdoor Apparel", "until": "2026-12-31"},
		"usage_rights": "6 months paid social"}`, 0.85}}))
	snap := &negotiation.Snapshot{
		Thread:   thread(negotiation.StageClassified),
		Messages: []negotiation.Message{{ID: "msg-1", Body: "offer", ReceivedAt: t0}},
		Draft:    &negotiation.DealDraft{ID: "d-1", Version: 2, Locked: true},
	}

	prop, err := (&Extract{deps}).Process(context.Background(), input(t, snap, event.StageContinue, event.Continue{ThreadID: "th-1"}))
	require.NoError(t, err)
	require.NotNil(t, prop.Draft)
	d := prop.Draft

	assert.Equal(t, negotiation.StageExtracted, prop.To)
	assert.Equal(t, 3, d.Version)
	assert.False(t, d.Locked)
	assert.Equal(t, "Acme Outdoors", d.Brand)
	assert.True(t, decimal.NewFromInt(12000).Equal(d.Budget))
	assert.Equal(t, "USD", d.Currency)
	require.Len(t, d.Deliverables, 1)
	assert.Equal(t, "instagram_reel", d.Deliverables[0].Type)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), d.Deliverables[0].DueAt)
	require.NotNil(t, d.Exclusivity)
	assert.Equal(t, "outdoor apparel", d.Exclusivity.Category)
	assert.Equal(t, "msg-1", d.SourceMessageID)
	assert.False(t, d.Degraded)
}

func TestExtract_Heuristic(t *testing.T) {
	snap := &negotiation.Snapshot{
		Thread:   thread(negotiation.StageClassified),
		Messages: []negotiation.Message{{ID: "msg-1", Body: "We can do $5k for 2 reels and 1 TikTok, category exclusive.", ReceivedAt: t0}},
	}
	prop, err := (&Extract{testDeps(nil)}).Process(context.Background(), input(t, snap, event.StageContinue, event.Continue{ThreadID: "th-1"}))
	require.NoError(t, err)
	d := prop.Draft

	assert.True(t, d.Degraded)
	assert.Equal(t, 1, d.Version)
	assert.True(t, decimal.NewFromInt(5000).Equal(d.Budget), d.Budget.String())
	require.Len(t, d.Deliverables, 2)
	assert.Equal(t, "instagram_reel", d.Deliverables[0].Type)
	assert.Equal(t, 2, d.Deliverables[0].Quantity)
	assert.Equal(t, "tiktok", d.Deliverables[1].Type)
	assert.True(t, d.HasExclusivity())
}

func TestExtract_NoMessagesIsStale(t *testing.T) {
	snap := &negotiation.Snapshot{Thread: thread(negotiation.StageClassified)}
	_, err := (&Extract{testDeps(nil)}).Process(context.Background(), input(t, snap, event.StageContinue, event.Continue{}))
	assert.ErrorIs(t, err, ErrStaleInput)
}

func TestStrategize_Heuristic(t *testing.T) {
	snap := &negotiation.Snapshot{
		Thread: thread(negotiation.StageExtracted),
		Draft:  &negotiation.DealDraft{ID: "d-1", Budget: decimal.NewFromInt(10000)},
	}
	prop, err := (&Strategize{testDeps(nil)}).Process(context.Background(), input(t, snap, event.StageContinue, event.Continue{}))
	require.NoError(t, err)
	s := prop.Strategy

	assert.Equal(t, negotiation.StageStrategized, prop.To)
	assert.True(t, s.Current)
	assert.True(t, s.Degraded)
	assert.Equal(t, "d-1", s.DraftID)
	assert.Equal(t, "12500.00", s.Opening.StringFixed(2))
	assert.Equal(t, "9000.00", s.WalkAway.StringFixed(2))
	require.Len(t, s.ConcessionLadder, 3)
	assert.Equal(t, "11333.33", s.ConcessionLadder[0].StringFixed(2))
	assert.Equal(t, "9000.00", s.ConcessionLadder[2].StringFixed(2))
}

func TestStrategize_RejectsDisorderedPlan(t *testing.T) {
	deps := testDeps(scripted(map[string]answer{"strategize": {`{"opening": 8000, "concession_ladder": [9000], "walk_away": 9500}`, 0.95}}))
	snap := &negotiation.Snapshot{
		Thread: thread(negotiation.StageExtracted),
		Draft:  &negotiation.DealDraft{ID: "d-1", Budget: decimal.NewFromInt(10000)},
	}
	prop, err := (&Strategize{deps}).Process(context.Background(), input(t, snap, event.StageContinue, event.Continue{}))
	require.NoError(t, err)
	assert.True(t, prop.Strategy.Degraded)
	assert.Equal(t, "12500.00", prop.Strategy.Opening.StringFixed(2))
}

func TestStrategize_UsesOraclePlan(t *testing.T) {
	deps := testDeps(scripted(map[string]answer{"strategize": {`{"opening": 15000, "concession_ladder": [14000, 13000], "walk_away": 12000, "rationale": "strong engagement"}`, 0.9}}))
	snap := &negotiation.Snapshot{
		Thread: thread(negotiation.StageExtracted),
		Draft:  &negotiation.DealDraft{ID: "d-1", Budget: decimal.NewFromInt(10000)},
	}
	in := input(t, snap, event.StageContinue, event.Continue{})
	in.Policy.NegotiationStyle = negotiation.StyleAssertive

	prop, err := (&Strategize{deps}).Process(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, prop.Strategy.Degraded)
	assert.Equal(t, negotiation.StyleAssertive, prop.Strategy.Style)
	assert.True(t, decimal.NewFromInt(12000).Equal(prop.Strategy.WalkAway))
}

func strategizedSnapshot() *negotiation.Snapshot {
	return &negotiation.Snapshot{
		Thread:   thread(negotiation.StageStrategized),
		Messages: []negotiation.Message{{ID: "msg-1", Subject: "Spring campaign", Body: "offer", ReceivedAt: t0}},
		Draft:    &negotiation.DealDraft{ID: "d-1", Budget: decimal.NewFromInt(10000)},
		Strategy: &negotiation.Strategy{
			ID:               "st-1",
			Opening:          decimal.NewFromInt(12500),
			ConcessionLadder: []decimal.Decimal{decimal.NewFromInt(11000), decimal.NewFromInt(10000)},
			WalkAway:         decimal.NewFromInt(9000),
			Current:          true,
		},
	}
}

func TestDraftReply(t *testing.T) {
	deps := testDeps(scripted(map[string]answer{
		"simulate": {`{"candidates": [
			{"reply": "low", "score": 0.4, "projected_amount": 10000},
			{"reply": "best", "score": 0.9, "projected_amount": 12500},
			{"reply": "mid", "score": 0.7, "projected_amount": 11000},
			{"reply": "tie", "score": 0.7, "projected_amount": 11500}]}`, 0.8},
		"draft_reply": {`{"subject": "Re: Spring campaign", "body": "Our rate is 12,500."}`, 0.92},
	}))
	prop, err := (&DraftReply{deps: deps, sim: &Simulator{deps}}).Process(context.Background(),
		input(t, strategizedSnapshot(), event.StageContinue, event.Continue{}))
	require.NoError(t, err)

	assert.Equal(t, negotiation.StageAwaitingDecision, prop.To)
	require.Len(t, prop.Simulations, 3)
	assert.Equal(t, "best", prop.Simulations[0].Reply)
	assert.Equal(t, "tie", prop.Simulations[1].Reply)
	assert.Equal(t, "mid", prop.Simulations[2].Reply)
	for i, s := range prop.Simulations {
		assert.Equal(t, i+1, s.Rank)
		assert.Equal(t, "st-1", s.StrategyID)
		assert.Equal(t, prop.Simulations[0].RunID, s.RunID)
	}

	a := prop.Action
	require.NotNil(t, a)
	assert.Equal(t, negotiation.ActionSendEmail, a.Kind)
	assert.Equal(t, negotiation.ActionProposed, a.Status)
	assert.Equal(t, "acme", a.Recipient)
	assert.Equal(t, "owner-1", a.OwnerID)
	assert.InDelta(t, 0.92, a.Confidence, 1e-9)
	assert.False(t, prop.Continue)
}

func TestDraftReply_DegradedIsLowConfidence(t *testing.T) {
	deps := testDeps(nil)
	prop, err := (&DraftReply{deps: deps, sim: &Simulator{deps}}).Process(context.Background(),
		input(t, strategizedSnapshot(), event.StageContinue, event.Continue{}))
	require.NoError(t, err)

	require.NotNil(t, prop.Action)
	assert.LessOrEqual(t, prop.Action.Confidence, oracle.DegradedConfidence)
	assert.Contains(t, prop.Action.Body, "12500.00")
	assert.Equal(t, "Re: Spring campaign", prop.Action.Subject)

	d := decision.Evaluate(prop.Action, negotiation.Policy{AutoSendEnabled: true, MinConfidence: 0.8}, "")
	assert.Equal(t, decision.QueueForApproval, d.Outcome)
}

func TestReviewContract(t *testing.T) {
	t.Run("acceptable redline is countersigned", func(t *testing.T) {
		deps := testDeps(scripted(map[string]answer{"review_contract": {`{"acceptable": true, "issues": [], "summary": "terms match"}`, 0.9}}))
		snap := &negotiation.Snapshot{Thread: thread(negotiation.StageSent)}
		prop, err := (&ReviewContract{deps}).Process(context.Background(),
			input(t, snap, event.ContractRedline, event.Redline{ThreadID: "th-1", Document: "Agreement..."}))
		require.NoError(t, err)
		assert.Equal(t, negotiation.StageAwaitingDecision, prop.To)
		assert.Equal(t, negotiation.ActionSendContract, prop.Action.Kind)
		assert.Equal(t, IntentRedline, prop.Message.Intent)
	})

	t.Run("oracle failure asks for changes at low confidence", func(t *testing.T) {
		snap := &negotiation.Snapshot{Thread: thread(negotiation.StageSent)}
		prop, err := (&ReviewContract{testDeps(nil)}).Process(context.Background(),
			input(t, snap, event.ContractRedline, event.Redline{ThreadID: "th-1", Document: "Agreement..."}))
		require.NoError(t, err)
		assert.Equal(t, negotiation.ActionSendEmail, prop.Action.Kind)
		assert.Contains(t, prop.Action.Body, "manual review required")
		assert.LessOrEqual(t, prop.Action.Confidence, oracle.DegradedConfidence)
	})

	t.Run("empty document", func(t *testing.T) {
		snap := &negotiation.Snapshot{Thread: thread(negotiation.StageSent)}
		_, err := (&ReviewContract{testDeps(nil)}).Process(context.Background(),
			input(t, snap, event.ContractRedline, event.Redline{ThreadID: "th-1"}))
		assert.ErrorIs(t, err, event.ErrInvalidPayload)
	})
}

func TestScheduleFollowUp(t *testing.T) {
	silence := event.Silence{ThreadID: "th-1", LastActionAt: t0}

	t.Run("proposes one follow-up", func(t *testing.T) {
		snap := &negotiation.Snapshot{Thread: thread(negotiation.StageSent)}
		prop, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(), input(t, snap, event.SilenceTimeout, silence))
		require.NoError(t, err)
		assert.Equal(t, negotiation.StageSilent, prop.To)
		assert.True(t, prop.FollowUp)
		require.NotNil(t, prop.Action)
		assert.Equal(t, negotiation.ActionSendFollowUp, prop.Action.Kind)
		assert.Equal(t, "Following up", prop.Action.Subject)
	})

	t.Run("closes when the budget is spent", func(t *testing.T) {
		th := thread(negotiation.StageSilent)
		th.FollowUpCount = 3
		prop, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(),
			input(t, &negotiation.Snapshot{Thread: th}, event.SilenceTimeout, silence))
		require.NoError(t, err)
		assert.Equal(t, negotiation.StageClosedLost, prop.To)
		assert.Nil(t, prop.Action)
	})

	t.Run("stale window", func(t *testing.T) {
		th := thread(negotiation.StageSent)
		th.LastActionAt = t0.Add(time.Minute)
		_, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(),
			input(t, &negotiation.Snapshot{Thread: th}, event.SilenceTimeout, silence))
		assert.ErrorIs(t, err, ErrStaleInput)
	})

	t.Run("counterparty replied", func(t *testing.T) {
		th := thread(negotiation.StageSent)
		th.LastInboundAt = t0
		th.ActionVersion, th.InboundVersion = 2, 3
		_, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(),
			input(t, &negotiation.Snapshot{Thread: th}, event.SilenceTimeout, silence))
		assert.ErrorIs(t, err, ErrStaleInput)
	})

	t.Run("inbound and action share a timestamp", func(t *testing.T) {
		th := thread(negotiation.StageSent)
		th.LastInboundAt = t0
		th.InboundVersion, th.ActionVersion = 2, 3
		prop, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(),
			input(t, &negotiation.Snapshot{Thread: th}, event.SilenceTimeout, silence))
		require.NoError(t, err)
		assert.True(t, prop.FollowUp)
	})

	t.Run("action recorded since the sweep", func(t *testing.T) {
		th := thread(negotiation.StageSent)
		th.ActionVersion = 5
		pinned := silence
		pinned.ActionVersion = 4
		_, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(),
			input(t, &negotiation.Snapshot{Thread: th}, event.SilenceTimeout, pinned))
		assert.ErrorIs(t, err, ErrStaleInput)
	})

	t.Run("waiting on operator", func(t *testing.T) {
		_, err := (&ScheduleFollowUp{testDeps(nil)}).Process(context.Background(),
			input(t, &negotiation.Snapshot{Thread: thread(negotiation.StageAwaitingDecision)}, event.SilenceTimeout, silence))
		assert.ErrorIs(t, err, ErrStaleInput)
	})
}

func TestDecide(t *testing.T) {
	pending := &negotiation.ActionRequest{ID: "act-1", Status: negotiation.ActionProposed}
	snap := func(stage negotiation.Stage) *negotiation.Snapshot {
		return &negotiation.Snapshot{Thread: thread(stage), Actions: []*negotiation.ActionRequest{pending}}
	}
	decided := func(v event.Verdict) event.Decided {
		return event.Decided{ThreadID: "th-1", ActionID: "act-1", Verdict: v, Operator: "sam"}
	}

	prop, err := (&Decide{}).Process(context.Background(), input(t, snap(negotiation.StageAwaitingDecision), event.ActionDecided, decided(event.VerdictApprove)))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageApproved, prop.To)
	assert.Equal(t, &Decision{ActionID: "act-1", Verdict: decision.Approve, Operator: "sam"}, prop.Decision)

	prop, err = (&Decide{}).Process(context.Background(), input(t, snap(negotiation.StageAwaitingDecision), event.ActionDecided, decided(event.VerdictReject)))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageRejected, prop.To)
	assert.True(t, prop.Continue)

	prop, err = (&Decide{}).Process(context.Background(), input(t, snap(negotiation.StageSilent), event.ActionDecided, decided(event.VerdictApprove)))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageSilent, prop.To)

	_, err = (&Decide{}).Process(context.Background(), input(t, snap(negotiation.StageAwaitingDecision), event.ActionDecided,
		event.Decided{ThreadID: "th-1", ActionID: "nope", Verdict: event.VerdictApprove}))
	assert.ErrorIs(t, err, event.ErrInvalidPayload)

	_, err = (&Decide{}).Process(context.Background(), input(t, snap(negotiation.StageAwaitingDecision), event.ActionDecided,
		event.Decided{ThreadID: "th-1", ActionID: "act-1", Verdict: "maybe"}))
	assert.ErrorIs(t, err, event.ErrInvalidPayload)
}

func TestCloseAndReopen(t *testing.T) {
	snap := &negotiation.Snapshot{Thread: thread(negotiation.StageSent)}

	prop, err := (&Close{}).Process(context.Background(), input(t, snap, event.DealClosed, event.Closed{ThreadID: "th-1", Result: "WON"}))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageClosedWon, prop.To)

	prop, err = (&Close{}).Process(context.Background(), input(t, snap, event.DealClosed, event.Closed{ThreadID: "th-1", Result: "lost", Reason: "budget"}))
	require.NoError(t, err)
	assert.Equal(t, negotiation.StageClosedLost, prop.To)

	_, err = (&Close{}).Process(context.Background(), input(t, snap, event.DealClosed, event.Closed{ThreadID: "th-1", Result: "tie"}))
	assert.ErrorIs(t, err, event.ErrInvalidPayload)

	closed := &negotiation.Snapshot{Thread: thread(negotiation.StageClosedLost)}
	prop, err = (&Reopen{}).Process(context.Background(), input(t, closed, event.ThreadReopen, event.Reopen{ThreadID: "th-1", Operator: "sam"}))
	require.NoError(t, err)
	assert.True(t, prop.Reopen)
	assert.True(t, prop.Continue)
	assert.Equal(t, negotiation.StageExtracted, prop.To)

	_, err = (&Reopen{}).Process(context.Background(), input(t, closed, event.ThreadReopen, event.Reopen{ThreadID: "th-1"}))
	assert.ErrorIs(t, err, event.ErrInvalidPayload)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in, amount, currency string
		ok                   bool
	}{
		{"budget is $15,000 total", "15000", "USD", true},
		{"we offer USD 2500.50", "2500.5", "USD", true},
		{"about €3k", "3000", "EUR", true},
		{"£800 per post", "800", "GBP", true},
		{"no numbers here", "0", "", false},
	}
	for _, tt := range tests {
		amt, cur, ok := parseAmount(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.amount, amt.String(), tt.in)
		assert.Equal(t, tt.currency, cur, tt.in)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
	"github.com/fyrsmithlabs/dealflow/internal/queue/memqueue"
)

const silence = 72 * time.Hour

// flakyQueue fails every enqueue while fail is set.
type flakyQueue struct {
	*memqueue.Queue
	mu   sync.Mutex
	fail error
}

func (q *flakyQueue) setFail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fail = err
}

func (q *flakyQueue) Enqueue(ctx context.Context, name string, payload []byte, opts ...queue.EnqueueOption) (queue.Handle, error) {
	q.mu.Lock()
	err := q.fail
	q.mu.Unlock()
	if err != nil {
		return queue.Handle{}, err
	}
	return q.Queue.Enqueue(ctx, name, payload, opts...)
}

func TestSweepSilence_RaisesOneFollowUp(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	th := h.openThread("acme")
	sw := NewSweeper(h.orch, SweepConfig{SilenceThreshold: silence})

	n, err := sw.SweepSilence(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "thread has not waited long enough")

	h.clock.Advance(silence + time.Hour)
	for i := 0; i < 2; i++ {
		n, err = sw.SweepSilence(h.ctx, h.clock.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Len(t, h.queue.Pending(), 1, "repeated sweeps of one window enqueue once")
	h.drain()

	assert.Equal(t, []negotiation.ActionKind{negotiation.ActionSendEmail, negotiation.ActionSendFollowUp}, h.deliver.kinds())
	th = h.thread(th.ID)
	assert.Equal(t, negotiation.StageSilent, th.Stage)
	assert.Equal(t, negotiation.StageSent, th.PriorStage)
	assert.Equal(t, 1, th.FollowUpCount)
	assert.Equal(t, h.clock.Now(), th.LastActionAt)

	n, err = sw.SweepSilence(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n, "the follow-up restarted the silence window")
}

func TestSweepSilence_ClosesAfterFollowUpBudget(t *testing.T) {
	policy := autoPolicy
	policy.MaxFollowUps = 1
	h := newHarness(t, policy, scripted(pipelineAnswers(0.95)))
	th := h.openThread("acme")
	sw := NewSweeper(h.orch, SweepConfig{SilenceThreshold: silence})

	for i := 0; i < 2; i++ {
		h.clock.Advance(silence + time.Hour)
		n, err := sw.SweepSilence(h.ctx, h.clock.Now())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		h.drain()
	}

	th = h.thread(th.ID)
	assert.Equal(t, negotiation.StageClosedLost, th.Stage)
	assert.NotNil(t, th.ClosedAt)
	assert.Equal(t, 2, h.deliver.count(), "reply and one follow-up")
}

func TestSweepSilence_ReplyResumesThread(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	th := h.openThread("acme")
	sw := NewSweeper(h.orch, SweepConfig{SilenceThreshold: silence})

	h.clock.Advance(silence + time.Hour)
	_, err := sw.SweepSilence(h.ctx, h.clock.Now())
	require.NoError(t, err)
	h.drain()
	require.Equal(t, negotiation.StageSilent, h.thread(th.ID).Stage)

	h.clock.Advance(time.Hour)
	res := h.submit(event.EmailReceived, event.Email{ThreadID: th.ID, MessageID: "msg-2", Body: "Sorry for the delay, can you do 11k?"})
	assert.Equal(t, negotiation.StageSilent, res.From)
	assert.Equal(t, negotiation.StageClassified, res.To)

	th = h.thread(th.ID)
	assert.Equal(t, negotiation.StageSent, th.Stage)
	assert.Zero(t, th.FollowUpCount)
	assert.Equal(t, 3, h.deliver.count())
}

func TestSweepSilence_StaleTimeoutIsDiscarded(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	th := h.openThread("acme")

	res := h.submit(event.SilenceTimeout, event.Silence{ThreadID: th.ID, LastActionAt: t0.Add(-time.Hour)})
	assert.Equal(t, "schedule-followup", res.Processor)
	assert.Equal(t, negotiation.StageSent, h.thread(th.ID).Stage)
	assert.Equal(t, 1, h.deliver.count())
}

func TestScanConflicts_ReportsWithoutTouchingThreads(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	a := h.openThread("acme")
	b := h.openThread("globex")
	sw := NewSweeper(h.orch, SweepConfig{ConflictWindow: 7 * 24 * time.Hour})

	reports, err := sw.ScanConflicts(h.ctx, h.clock.Now())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	r := reports[0]
	assert.Equal(t, "owner-1", r.OwnerID)
	assert.Equal(t, 2, r.ThreadCount)

	kinds := map[conflict.Kind]conflict.Severity{}
	for _, c := range r.Conflicts {
		kinds[c.Kind] = c.Severity
	}
	assert.Equal(t, conflict.SeverityHigh, kinds[conflict.KindExclusivity])
	assert.Equal(t, conflict.SeverityMedium, kinds[conflict.KindDeliverableOverload])
	assert.Equal(t, 1.0, testutil.ToFloat64(ConflictsDetected.WithLabelValues(string(conflict.SeverityHigh))))

	latest, err := h.store.LatestConflictReport(h.ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, latest.ID)

	for _, th := range []*negotiation.Thread{a, b} {
		got := h.thread(th.ID)
		assert.Equal(t, th.Stage, got.Stage)
		assert.Equal(t, th.Version, got.Version)
	}
}

func TestRelayOutbox_RecoversFailedRelay(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	q := &flakyQueue{Queue: h.queue}
	q.setFail(errors.New("nats down"))
	h.orch.queue = q
	sw := NewSweeper(h.orch, SweepConfig{})

	res := h.submit(event.EmailReceived, inquiry("acme", "msg-1"))
	assert.True(t, res.Continued)
	assert.Equal(t, negotiation.StageClassified, h.thread(res.ThreadID).Stage)

	pending, err := h.store.PendingOutbox(h.ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, string(event.StageContinue), pending[0].Name)

	_, err = sw.RelayOutbox(h.ctx, h.clock.Now())
	assert.Error(t, err)

	q.setFail(nil)
	n, err := sw.RelayOutbox(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain()

	assert.Equal(t, negotiation.StageSent, h.thread(res.ThreadID).Stage)
	n, err = sw.RelayOutbox(h.ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetryDeliveries_WaitsForRedeliveryDelay(t *testing.T) {
	policy := autoPolicy
	policy.SandboxMode = true
	h := newHarness(t, policy, scripted(pipelineAnswers(0.95)))
	th := h.openThread("acme")
	act := h.actions(th.ID)[0]

	h.deliver.setFail(errors.New("smtp unavailable"))
	_, err := h.orch.Handle(h.ctx, h.event(event.ActionDecided, event.Decided{ThreadID: th.ID, ActionID: act.ID, Verdict: event.VerdictApprove, Operator: "sam"}))
	require.Error(t, err)
	h.deliver.setFail(nil)

	sw := NewSweeper(h.orch, SweepConfig{RedeliveryAfter: 5 * time.Minute})
	n, err := sw.RetryDeliveries(h.ctx, h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = sw.RetryDeliveries(h.ctx, h.clock.Now().Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, negotiation.ActionExecuted, h.action(act.ID).Status)
	assert.Equal(t, negotiation.StageSent, h.thread(th.ID).Stage)
}

func TestRunOnce(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	h.openThread("acme")
	sw := NewSweeper(h.orch, SweepConfig{SilenceThreshold: silence})

	h.clock.Advance(silence + time.Hour)
	before := testutil.ToFloat64(SweepRunsTotal.WithLabelValues(JobSilence, "success"))
	rep, err := sw.RunOnce(h.ctx, h.clock.Now())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Silenced)
	assert.Zero(t, rep.Relayed)
	assert.Zero(t, rep.Redelivered)
	assert.Zero(t, rep.Conflicts)
	require.Len(t, rep.Reports, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(SweepRunsTotal.WithLabelValues(JobSilence, "success")))
}

func TestNewSweeper_Defaults(t *testing.T) {
	h := newHarness(t, autoPolicy, nil)
	sw := NewSweeper(h.orch, SweepConfig{})
	assert.Equal(t, defaultSilenceThreshold, sw.cfg.SilenceThreshold)
	assert.Equal(t, defaultRedeliveryAfter, sw.cfg.RedeliveryAfter)
	assert.Equal(t, defaultBatchSize, sw.cfg.BatchSize)
	assert.Equal(t, conflict.DefaultWindow, sw.detector.Window())
}

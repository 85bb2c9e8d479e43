package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/queue"
)

func TestWorker_TerminatesPermanentFailures(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	before := testutil.ToFloat64(JobsTotal.WithLabelValues(string(event.StageContinue), "terminate"))

	ev := h.event(event.StageContinue, event.Continue{ThreadID: "missing"})
	err := h.worker.HandleJob(h.ctx, queue.Job{ID: "job-1", Name: string(ev.Type), Payload: ev.Payload, Attempt: 1})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, before+1, testutil.ToFloat64(JobsTotal.WithLabelValues(string(event.StageContinue), "terminate")))

	_, err = h.queue.Enqueue(h.ctx, string(ev.Type), ev.Payload)
	require.NoError(t, err)
	h.drain()
	require.Len(t, h.queue.Dead(), 1)
	assert.Equal(t, 1, h.queue.Dead()[0].Attempt, "permanent failures are not retried")
}

func TestWorker_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	h.deliver.setFail(errors.New("smtp unavailable"))

	_, err := h.orch.Submit(h.ctx, h.event(event.EmailReceived, inquiry("acme", "msg-1")))
	require.NoError(t, err)
	h.drain()

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, string(event.StageContinue), pending[0].Name)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Empty(t, h.queue.Dead())

	h.deliver.setFail(nil)
	h.clock.Advance(time.Minute)
	h.drain()
	assert.Empty(t, h.queue.Pending())
	assert.Equal(t, 1, h.deliver.count())
}

func TestWorker_AcksUnknownJobs(t *testing.T) {
	h := newHarness(t, autoPolicy, nil)
	err := h.worker.HandleJob(h.ctx, queue.Job{ID: "job-1", Name: "calendar.synced", Payload: []byte(`{}`), Attempt: 1})
	assert.NoError(t, err)
}

func TestWorker_RunStopsWithContext(t *testing.T) {
	h := newHarness(t, autoPolicy, scripted(pipelineAnswers(0.95)))
	ctx, cancel := context.WithCancel(h.ctx)

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx, h.queue) }()

	_, err := h.orch.Submit(h.ctx, h.event(event.EmailReceived, inquiry("acme", "msg-1")))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		th, err := h.store.ListActiveThreads(h.ctx, "owner-1")
		return err == nil && len(th) == 1 && th[0].Stage == negotiation.StageSent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

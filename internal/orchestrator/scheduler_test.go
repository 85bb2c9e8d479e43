package orchestrator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/dealflow/internal/logging"
)

type countingRunner struct {
	calls atomic.Int32
	panic bool
}

func (r *countingRunner) RunOnce(context.Context, time.Time) (SweepReport, error) {
	r.calls.Add(1)
	if r.panic {
		panic("sweep blew up")
	}
	return SweepReport{}, nil
}

func TestNewScheduler(t *testing.T) {
	s, err := NewScheduler(&countingRunner{}, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.interval)
	assert.False(t, s.Running())

	_, err = NewScheduler(nil, logging.NewNop())
	assert.ErrorContains(t, err, "sweep runner cannot be nil")

	_, err = NewScheduler(&countingRunner{}, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	_, err = NewScheduler(&countingRunner{}, logging.NewNop(), WithInterval(0))
	assert.ErrorContains(t, err, "interval must be positive")
}

func TestScheduler_RunsOnInterval(t *testing.T) {
	r := &countingRunner{}
	s, err := NewScheduler(r, logging.NewNop(), WithInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.Error(t, s.Start(), "second start is refused")

	assert.Eventually(t, func() bool { return r.calls.Load() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	stopped := r.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, r.calls.Load(), "no sweeps after Stop returns")

	require.NoError(t, s.Stop(), "stopping twice is a no-op")
}

func TestScheduler_SurvivesPanickingSweep(t *testing.T) {
	r := &countingRunner{panic: true}
	tl := logging.NewTestLogger()
	s, err := NewScheduler(r, tl.Logger, WithInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer func() { _ = s.Stop() }()

	assert.Eventually(t, func() bool {
		return tl.FilterMessage("sweep panicked").Len() >= 3
	}, time.Second, time.Millisecond)
	assert.True(t, s.Running())
	tl.AssertLogged(t, zapcore.ErrorLevel, "sweep panicked")
	tl.AssertLogged(t, zapcore.InfoLevel, "sweep scheduler started")
}

func TestScheduler_Restart(t *testing.T) {
	r := &countingRunner{}
	s, err := NewScheduler(r, logging.NewNop(), WithInterval(5*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
}

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a single guarded oracle call.
const DefaultTimeout = 30 * time.Second

// DegradedConfidence caps the confidence of fallback results.
const DegradedConfidence = 0.1

// Guard wraps an oracle with a hard timeout and turns every failure into the
// request's fallback. Stage processors call the oracle only through a Guard.
type Guard struct {
	oracle  Oracle
	timeout time.Duration
	logger  *zap.Logger
}

// NewGuard returns a guard around o. A nil oracle behaves like Disabled.
func NewGuard(o Oracle, timeout time.Duration, logger *zap.Logger) *Guard {
	if o == nil {
		o = Disabled{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{oracle: o, timeout: timeout, logger: logger}
}

// Complete never fails: it returns the oracle's answer when that answer is
// well formed and arrives in time, and the degraded fallback otherwise.
func (g *Guard) Complete(ctx context.Context, req Request) Result {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type answer struct {
		res *Result
		err error
	}
	done := make(chan answer, 1)
	go func() {
		res, err := g.oracle.Complete(callCtx, req)
		done <- answer{res, err}
	}()

	var a answer
	select {
	case a = <-done:
	case <-callCtx.Done():
		a.err = fmt.Errorf("oracle %s: %w", req.Task, callCtx.Err())
	}

	if a.err == nil {
		a.err = validate(a.res)
	}
	if a.err != nil {
		g.logger.Warn("oracle degraded to fallback",
			zap.String("oracle.task", req.Task),
			zap.Error(a.err))
		return degrade(req.Fallback, a.err)
	}
	return *a.res
}

func validate(res *Result) error {
	if res == nil {
		return fmt.Errorf("%w: nil result", ErrMalformedResponse)
	}
	if len(res.Data) == 0 || !json.Valid(res.Data) {
		return fmt.Errorf("%w: data is not JSON", ErrMalformedResponse)
	}
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, res.Confidence)
	}
	return nil
}

func degrade(fallback Result, cause error) Result {
	out := fallback
	out.Degraded = true
	if !(out.Confidence >= 0 && out.Confidence <= DegradedConfidence) {
		out.Confidence = DegradedConfidence
	}
	if len(out.Data) == 0 {
		out.Data = json.RawMessage(`{}`)
	}
	if out.Reason == "" {
		out.Reason = cause.Error()
	}
	return out
}

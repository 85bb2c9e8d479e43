// Package oracle is the boundary to the language model. A request names the
// task, carries instructions, context and the expected response shape, and
// always comes with a fallback result for when the model cannot answer.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedResponse is returned when the model answered but the
	// answer does not fit the response envelope. Partial results are never
	// returned.
	ErrMalformedResponse = errors.New("malformed oracle response")

	// ErrUnavailable is returned by an oracle that is not configured.
	ErrUnavailable = errors.New("oracle unavailable")
)

// Request is one structured completion.
type Request struct {
	Task          string `json:"task"`
	Instructions  string `json:"instructions"`
	Context       any    `json:"context,omitempty"`
	ResponseShape string `json:"response_shape"`

	// Fallback is returned, marked degraded, when the oracle fails.
	Fallback Result `json:"-"`
}

// Result is a structured answer with the model's self-reported confidence.
type Result struct {
	Data       json.RawMessage `json:"data"`
	Confidence float64         `json:"confidence"`
	Degraded   bool            `json:"degraded,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Oracle completes structured requests.
type Oracle interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (*Result, error)

// Complete implements Oracle.
func (f Func) Complete(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Disabled is the oracle used when no provider is configured. Every call
// fails, so every caller takes its fallback.
type Disabled struct{}

// Complete implements Oracle.
func (Disabled) Complete(context.Context, Request) (*Result, error) {
	return nil, ErrUnavailable
}

// Decode unmarshals the result data into out.
func Decode(res Result, out any) error {
	if len(res.Data) == 0 {
		return fmt.Errorf("%w: empty data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// FallbackData marshals v for use as Request.Fallback data. Values that fail
// to marshal produce an empty object.
func FallbackData(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

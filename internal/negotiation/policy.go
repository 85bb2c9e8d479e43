package negotiation

import (
	"context"
	"math"
)

const (
	// DefaultMinConfidence applies when a policy leaves MinConfidence unset.
	DefaultMinConfidence = 0.8

	// DefaultMaxFollowUps is how many silence follow-ups a thread gets before
	// it is closed as lost.
	DefaultMaxFollowUps = 3
)

// Policy is the owner's autonomy configuration. It is read-only to the core.
type Policy struct {
	AutoSendEnabled  bool    `json:"auto_send_enabled" koanf:"auto_send_enabled"`
	SandboxMode      bool    `json:"sandbox_mode" koanf:"sandbox_mode"`
	MinConfidence    float64 `json:"min_confidence" koanf:"min_confidence"`
	NegotiationStyle Style   `json:"negotiation_style" koanf:"negotiation_style"`
	MaxFollowUps     int     `json:"max_follow_ups" koanf:"max_follow_ups"`
}

// Threshold returns the confidence an action needs for auto-execution. A
// zero, negative or NaN MinConfidence means unset and yields
// DefaultMinConfidence; configuration rejects those values outright.
func (p Policy) Threshold() float64 {
	if math.IsNaN(p.MinConfidence) || p.MinConfidence <= 0 {
		return DefaultMinConfidence
	}
	return p.MinConfidence
}

// FollowUpLimit returns the configured follow-up cap or the default.
func (p Policy) FollowUpLimit() int {
	if p.MaxFollowUps <= 0 {
		return DefaultMaxFollowUps
	}
	return p.MaxFollowUps
}

// ForThread narrows the policy to a thread: a thread with autopilot off never
// auto-sends.
func (p Policy) ForThread(t *Thread) Policy {
	if t != nil && !t.AutopilotEnabled {
		p.AutoSendEnabled = false
	}
	return p
}

// PolicySource resolves the policy for an owner.
type PolicySource interface {
	PolicyFor(ctx context.Context, ownerID string) (Policy, error)
}

// StaticPolicies serves a default policy with per-owner overrides.
type StaticPolicies struct {
	Default Policy
	Owners  map[string]Policy
}

// PolicyFor implements PolicySource.
func (s StaticPolicies) PolicyFor(_ context.Context, ownerID string) (Policy, error) {
	if p, ok := s.Owners[ownerID]; ok {
		return p, nil
	}
	return s.Default, nil
}

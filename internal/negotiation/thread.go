package negotiation

import (
	"strings"
	"time"
)

// Thread is one negotiation with a single counterparty on behalf of an owner.
type Thread struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Counterparty     string     `json:"counterparty"`
	Stage            Stage      `json:"stage"`
	PriorStage       Stage      `json:"prior_stage,omitempty"`
	AutopilotEnabled bool       `json:"autopilot_enabled"`
	LastActionAt     time.Time  `json:"last_action_at"`
	LastInboundAt    time.Time  `json:"last_inbound_at,omitempty"`
	FollowUpCount    int        `json:"follow_up_count"`
	InflightActionID string     `json:"inflight_action_id,omitempty"`
	Version          int64      `json:"version"`
	InboundVersion   int64      `json:"inbound_version,omitempty"`
	ActionVersion    int64      `json:"action_version,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

// Active reports whether the thread has not reached a terminal stage.
func (t *Thread) Active() bool {
	return t != nil && !t.Stage.Terminal()
}

// RepliedSinceAction reports whether an inbound message was committed after
// the last outbound action. Versions are compared rather than timestamps,
// which tie under a coarse or frozen clock. A message stored by the same
// commit that proposed the action does not count as a reply to it.
func (t *Thread) RepliedSinceAction() bool {
	return t.InboundVersion > t.ActionVersion
}

// Clone returns a copy that shares no pointers with t.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

// NormalizeCounterparty folds a counterparty name or address into the form
// used for thread uniqueness and conflict comparison.
func NormalizeCounterparty(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Message is an inbound message stored on a thread. Body is scrubbed before
// it is stored.
type Message struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	ExternalID string    `json:"external_id,omitempty"`
	From       string    `json:"from"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	Intent     string    `json:"intent,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Snapshot is the state a stage processor reads: the thread and everything
// currently attached to it.
type Snapshot struct {
	Thread      *Thread          `json:"thread"`
	Messages    []Message        `json:"messages,omitempty"`
	Draft       *DealDraft       `json:"draft,omitempty"`
	Strategy    *Strategy        `json:"strategy,omitempty"`
	Simulations []Simulation     `json:"simulations,omitempty"`
	Actions     []*ActionRequest `json:"actions,omitempty"`
}

// LatestMessage returns the most recently received message, or nil.
func (s *Snapshot) LatestMessage() *Message {
	if s == nil || len(s.Messages) == 0 {
		return nil
	}
	latest := &s.Messages[0]
	for i := range s.Messages[1:] {
		m := &s.Messages[i+1]
		if m.ReceivedAt.After(latest.ReceivedAt) {
			latest = m
		}
	}
	return latest
}

// Action returns the action with the given ID, or nil.
func (s *Snapshot) Action(id string) *ActionRequest {
	if s == nil {
		return nil
	}
	for _, a := range s.Actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

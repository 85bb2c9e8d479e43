package negotiation

import "time"

// ActionKind is the type of outbound side effect an action performs
type ActionKind string

const (
	ActionSendEmail    ActionKind = "send_email"
	ActionSendFollowUp ActionKind = "send_followup"
	ActionSendContract ActionKind = "send_contract"
	ActionSchedulePost ActionKind = "schedule_post"
)

// ActionStatus tracks an action through proposed -> approved -> executed, or
// proposed -> rejected.
type ActionStatus string

const (
	ActionProposed ActionStatus = "proposed"
	ActionApproved ActionStatus = "approved"
	ActionExecuted ActionStatus = "executed"
	ActionRejected ActionStatus = "rejected"
)

// ActionRequest is a side effect proposed by a stage processor. Only the
// decision gate moves it to approved or rejected.
type ActionRequest struct {
	ID               string       `json:"id"`
	ThreadID         string       `json:"thread_id"`
	OwnerID          string       `json:"owner_id"`
	Kind             ActionKind   `json:"kind"`
	Recipient        string       `json:"recipient"`
	Subject          string       `json:"subject,omitempty"`
	Body             string       `json:"body"`
	Confidence       float64      `json:"confidence"`
	RequiresApproval bool         `json:"requires_approval"`
	Status           ActionStatus `json:"status"`
	GateOutcome      string       `json:"gate_outcome,omitempty"`
	GateReason       string       `json:"gate_reason,omitempty"`
	DecidedBy        string       `json:"decided_by,omitempty"`
	EntryID          string       `json:"entry_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	DecidedAt        *time.Time   `json:"decided_at,omitempty"`
	ExecutedAt       *time.Time   `json:"executed_at,omitempty"`
}

// InFlight reports whether the action is approved but not yet executed.
func (a *ActionRequest) InFlight() bool {
	return a != nil && a.Status == ActionApproved
}

// Clone returns a copy of a with its own timestamps.
func (a *ActionRequest) Clone() *ActionRequest {
	if a == nil {
		return nil
	}
	c := *a
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		c.DecidedAt = &t
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

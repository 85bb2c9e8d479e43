// Package decision implements the gate that decides whether a proposed action
// runs on its own, waits for an operator, or is held back because another
// action on the same thread is still in flight.
//
// Evaluate and Resolve are pure: they read their arguments and nothing else.
// The orchestrator persists what they return.
package decision

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// Outcome is the gate's verdict on a proposed action
type Outcome string

const (
	AutoExecute      Outcome = "auto-execute"
	QueueForApproval Outcome = "queue-for-approval"
	Blocked          Outcome = "blocked"
)

// Reasons attached to each decision.
const (
	ReasonSandbox        = "sandbox mode requires approval"
	ReasonAutoSendOff    = "auto-send disabled"
	ReasonLowConfidence  = "confidence below threshold"
	ReasonInFlight       = "another action is approved and not yet executed"
	ReasonAutonomous     = "policy allows autonomous execution"
	ReasonMissingAction  = "no action to evaluate"
	ReasonOperatorReject = "rejected by operator"
	ReasonOperatorAccept = "approved by operator"
	ReasonNotPending     = "action is not pending approval"
)

// Decision is the outcome plus a human-readable reason.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

// Evaluate applies the gate rules in order: sandbox, auto-send, confidence,
// single-flight. inflightID is the thread's approved-but-unexecuted action,
// empty when there is none.
func Evaluate(action *negotiation.ActionRequest, policy negotiation.Policy, inflightID string) Decision {
	if action == nil {
		return Decision{Outcome: Blocked, Reason: ReasonMissingAction}
	}
	if policy.SandboxMode {
		return Decision{Outcome: QueueForApproval, Reason: ReasonSandbox}
	}
	if !policy.AutoSendEnabled {
		return Decision{Outcome: QueueForApproval, Reason: ReasonAutoSendOff}
	}
	// Written as a negated >= so NaN confidence never passes.
	if threshold := policy.Threshold(); !(action.Confidence >= threshold) {
		return Decision{
			Outcome: QueueForApproval,
			Reason:  fmt.Sprintf("%s (%.2f < %.2f)", ReasonLowConfidence, action.Confidence, threshold),
		}
	}
	if inflightID != "" && inflightID != action.ID {
		return Decision{Outcome: Blocked, Reason: ReasonInFlight}
	}
	return Decision{Outcome: AutoExecute, Reason: ReasonAutonomous}
}

// Apply records an Evaluate decision on the action. Auto-execute approves it;
// every other outcome leaves it proposed.
func Apply(action *negotiation.ActionRequest, d Decision, now time.Time) {
	if action == nil {
		return
	}
	action.GateOutcome = string(d.Outcome)
	action.GateReason = d.Reason
	switch d.Outcome {
	case AutoExecute:
		action.Status = negotiation.ActionApproved
		action.RequiresApproval = false
		action.DecidedBy = "gate"
		action.DecidedAt = &now
	case QueueForApproval:
		action.Status = negotiation.ActionProposed
		action.RequiresApproval = true
	default:
		action.Status = negotiation.ActionProposed
	}
}

// Verdict is an operator's answer to a queued action
type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

// Resolution is the result of an operator decision.
type Resolution struct {
	Status  negotiation.ActionStatus `json:"status"`
	Blocked bool                     `json:"blocked"`
	Reason  string                   `json:"reason"`
}

// Approved reports whether the resolution approves the action.
func (r Resolution) Approved() bool { return !r.Blocked && r.Status == negotiation.ActionApproved }

// Resolve applies an operator verdict to a queued action. Rejection always
// succeeds on a pending action; approval is blocked while a different action
// on the thread is in flight.
func Resolve(action *negotiation.ActionRequest, verdict Verdict, inflightID string) Resolution {
	if action == nil {
		return Resolution{Blocked: true, Reason: ReasonMissingAction}
	}
	if action.Status != negotiation.ActionProposed {
		return Resolution{
			Status:  action.Status,
			Blocked: true,
			Reason:  fmt.Sprintf("%s (status %s)", ReasonNotPending, action.Status),
		}
	}
	if verdict == Reject {
		return Resolution{Status: negotiation.ActionRejected, Reason: ReasonOperatorReject}
	}
	if inflightID != "" && inflightID != action.ID {
		return Resolution{Status: negotiation.ActionProposed, Blocked: true, Reason: ReasonInFlight}
	}
	return Resolution{Status: negotiation.ActionApproved, Reason: ReasonOperatorAccept}
}

// ApplyResolution records an operator resolution on the action.
func ApplyResolution(action *negotiation.ActionRequest, r Resolution, operator string, now time.Time) {
	if action == nil || r.Blocked {
		return
	}
	action.Status = r.Status
	action.GateReason = r.Reason
	action.DecidedBy = operator
	action.DecidedAt = &now
}

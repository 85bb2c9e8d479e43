// Package event defines the pipeline triggers the orchestrator accepts and
// their payloads.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

// Type names a pipeline trigger
type Type string

const (
	EmailReceived   Type = "email.received"
	StageContinue   Type = "stage.continue"
	ContractRedline Type = "contract.redline"
	SilenceTimeout  Type = "silence.timeout"
	ActionDecided   Type = "action.decided"
	DealClosed      Type = "deal.closed"
	ThreadReopen    Type = "thread.reopen"
)

// Known returns every trigger type in the catalog
func Known() []Type {
	return []Type{EmailReceived, StageContinue, ContractRedline, SilenceTimeout, ActionDecided, DealClosed, ThreadReopen}
}

// Known reports whether t is in the catalog.
func (t Type) Known() bool {
	for _, k := range Known() {
		if t == k {
			return true
		}
	}
	return false
}

// CreatesThread reports whether an event of this type may open a new thread.
func (t Type) CreatesThread() bool {
	return t == EmailReceived
}

// CounterpartyReply reports whether the event is a message from the other
// side, which is what brings a silent thread back.
func (t Type) CounterpartyReply() bool {
	return t == EmailReceived || t == ContractRedline
}

// Event is one trigger delivered to the orchestrator. Payload is kept raw so
// the idempotency key is computed over exactly what was delivered.
type Event struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope carries the routing fields every payload may set.
type Envelope struct {
	ThreadID      string            `json:"thread_id,omitempty"`
	OwnerID       string            `json:"owner_id,omitempty"`
	Counterparty  string            `json:"counterparty,omitempty"`
	ExpectedStage negotiation.Stage `json:"expected_stage,omitempty"`
}

// ErrInvalidPayload is returned when a payload cannot be decoded or misses
// required fields.
var ErrInvalidPayload = errors.New("invalid event payload")

// Envelope decodes the routing fields of the payload.
func (e Event) Envelope() (Envelope, error) {
	var env Envelope
	if len(e.Payload) == 0 {
		return env, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(e.Payload, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return env, nil
}

// Decode unmarshals the payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return nil
}

// New builds an event from a typed payload.
func New(t Type, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Payload: raw}, nil
}

// Email is the payload of email.received.
type Email struct {
	ThreadID     string    `json:"thread_id,omitempty"`
	OwnerID      string    `json:"owner_id"`
	Counterparty string    `json:"counterparty"`
	MessageID    string    `json:"message_id"`
	From         string    `json:"from"`
	Subject      string    `json:"subject,omitempty"`
	Body         string    `json:"body"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
	Autopilot    *bool     `json:"autopilot,omitempty"`
}

// Validate checks the fields needed to route and store the message.
func (p Email) Validate() error {
	var missing []string
	if p.ThreadID == "" && p.OwnerID == "" {
		missing = append(missing, "owner_id")
	}
	if p.ThreadID == "" && strings.TrimSpace(p.Counterparty) == "" {
		missing = append(missing, "counterparty")
	}
	if p.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: email.received missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// Continue is the payload of stage.continue, the continuation the
// orchestrator enqueues after a committed transition.
type Continue struct {
	ThreadID      string            `json:"thread_id"`
	ExpectedStage negotiation.Stage `json:"expected_stage"`
	SourceEntry   string            `json:"source_entry"`
}

// Redline is the payload of contract.redline.
type Redline struct {
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id,omitempty"`
	Document  string `json:"document"`
}

// Silence is the payload of silence.timeout. LastActionAt and ActionVersion
// pin the event to one silence window so repeated sweeps produce the same
// idempotency key. A zero ActionVersion is not checked.
type Silence struct {
	ThreadID      string    `json:"thread_id"`
	LastActionAt  time.Time `json:"last_action_at"`
	ActionVersion int64     `json:"action_version,omitempty"`
}

// Verdict is an operator's decision on a queued action
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Decided is the payload of action.decided.
type Decided struct {
	ThreadID string  `json:"thread_id"`
	ActionID string  `json:"action_id"`
	Verdict  Verdict `json:"verdict"`
	Operator string  `json:"operator"`
}

// Closed is the payload of deal.closed.
type Closed struct {
	ThreadID string `json:"thread_id"`
	Result   string `json:"result"`
	Reason   string `json:"reason,omitempty"`
}

// Won reports whether the deal closed in the owner's favor.
func (p Closed) Won() bool {
	return strings.EqualFold(p.Result, "won")
}

// Reopen is the payload of thread.reopen.
type Reopen struct {
	ThreadID string `json:"thread_id"`
	Operator string `json:"operator"`
	Reason   string `json:"reason,omitempty"`
}

// Package stage contains the stage processors: one computation per pipeline
// step, each a function of the thread snapshot and the triggering event.
//
// Processors only propose. They never write to the store or enqueue work;
// the orchestrator validates a Proposal against the state machine, runs the
// decision gate on its action and commits it.
package stage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dealflow/internal/decision"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/oracle"
	"github.com/fyrsmithlabs/dealflow/internal/redact"
)

// ErrStaleInput is returned by a processor when the event no longer applies
// to the thread it was routed to, for example a silence timeout for a window
// that has since seen activity. The orchestrator records it as stale.
var ErrStaleInput = errors.New("event no longer applies to thread state")

// Input is what a processor reads.
type Input struct {
	Event    event.Event
	Snapshot *negotiation.Snapshot

	// Stage is the stage the processor was selected for. It differs from
	// Snapshot.Thread.Stage only for a silent thread receiving a reply,
	// where it is the stage the thread resumes at.
	Stage negotiation.Stage

	// Policy is the owner's policy narrowed to the thread.
	Policy negotiation.Policy
	Now    time.Time
}

// Thread is a shorthand for the snapshot's thread.
func (in Input) Thread() *negotiation.Thread { return in.Snapshot.Thread }

// Proposal is a processor's candidate outcome.
type Proposal struct {
	To     negotiation.Stage
	Reopen bool

	Message     *negotiation.Message
	Draft       *negotiation.DealDraft
	Strategy    *negotiation.Strategy
	Simulations []negotiation.Simulation

	// Action is a new side effect for the decision gate.
	Action *negotiation.ActionRequest

	// Decision carries an operator verdict on an existing action.
	Decision *Decision

	// Continue asks the orchestrator to enqueue the next stage.
	Continue bool

	// FollowUp counts this proposal against the thread's follow-up budget.
	FollowUp bool

	Note string
}

// Decision is an operator verdict on a queued action.
type Decision struct {
	ActionID string           `json:"action_id"`
	Verdict  decision.Verdict `json:"verdict"`
	Operator string           `json:"operator"`
}

// Processor computes one pipeline step.
type Processor interface {
	Name() string
	Process(ctx context.Context, in Input) (*Proposal, error)
}

// Deps are the collaborators processors share.
type Deps struct {
	Oracle   *oracle.Guard
	Scrubber redact.Scrubber
	Logger   *zap.Logger

	// NewID generates entity IDs. Defaults to random UUIDs.
	NewID func() string

	// Simulations is how many ranked candidates draft-reply keeps.
	Simulations int
}

const defaultSimulations = 3

func (d Deps) withDefaults() Deps {
	if d.Oracle == nil {
		d.Oracle = oracle.NewGuard(oracle.Disabled{}, 0, nil)
	}
	if d.Scrubber == nil {
		d.Scrubber = redact.Noop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Simulations <= 0 {
		d.Simulations = defaultSimulations
	}
	return d
}

func (d Deps) scrub(s string) string {
	return d.Scrubber.Scrub(s).Scrubbed
}

// newAction fills the fields every proposed action shares.
func (d Deps) newAction(in Input, kind negotiation.ActionKind, subject, body string, confidence float64) *negotiation.ActionRequest {
	t := in.Thread()
	return &negotiation.ActionRequest{
		ID:         d.NewID(),
		ThreadID:   t.ID,
		OwnerID:    t.OwnerID,
		Kind:       kind,
		Recipient:  t.Counterparty,
		Subject:    subject,
		Body:       body,
		Confidence: confidence,
		Status:     negotiation.ActionProposed,
		CreatedAt:  in.Now,
	}
}

package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/dealflow/internal/decision"
	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/oracle"
)

// ScheduleFollowUp handles a silence timeout: it moves the thread to silent
// and proposes one follow-up email, or closes the thread as lost once the
// follow-up budget is spent.
type ScheduleFollowUp struct{ deps Deps }

func (*ScheduleFollowUp) Name() string { return "schedule-followup" }

func (s *ScheduleFollowUp) Process(ctx context.Context, in Input) (*Proposal, error) {
	var p event.Silence
	if err := in.Event.Decode(&p); err != nil {
		return nil, err
	}
	t := in.Thread()
	if !in.Stage.AwaitsCounterparty() {
		return nil, fmt.Errorf("%w: %s is not waiting on the counterparty", ErrStaleInput, in.Stage)
	}
	if !p.LastActionAt.Equal(t.LastActionAt) || (p.ActionVersion != 0 && p.ActionVersion != t.ActionVersion) {
		return nil, fmt.Errorf("%w: thread acted at %s after the timeout window", ErrStaleInput, t.LastActionAt)
	}
	if t.RepliedSinceAction() {
		return nil, fmt.Errorf("%w: counterparty replied", ErrStaleInput)
	}

	if limit := in.Policy.FollowUpLimit(); t.FollowUpCount >= limit {
		return &Proposal{
			To:   negotiation.StageClosedLost,
			Note: fmt.Sprintf("no reply after %d follow-ups", t.FollowUpCount),
		}, nil
	}

	subject, body := followUpTemplate(t.Counterparty, t.FollowUpCount, t.LastActionAt)
	type email struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	out, res := ask(ctx, s.deps, oracle.Request{
		Task:         "follow_up",
		Instructions: "Write a short, friendly follow-up to a brand that has not replied. Do not change any previously stated terms.",
		Context: map[string]any{
			"follow_up_number": t.FollowUpCount + 1,
			"last_action_at":   t.LastActionAt,
			"messages":         in.Snapshot.Messages,
			"draft":            in.Snapshot.Draft,
		},
		ResponseShape: `{"subject": string, "body": string}`,
	}, email{Subject: subject, Body: body})
	if strings.TrimSpace(out.Body) == "" {
		out = email{Subject: subject, Body: body}
		res.Confidence = min(res.Confidence, oracle.DegradedConfidence)
	}

	return &Proposal{
		To:       negotiation.StageSilent,
		Action:   s.deps.newAction(in, negotiation.ActionSendFollowUp, out.Subject, out.Body, res.Confidence),
		FollowUp: true,
		Note:     fmt.Sprintf("follow-up %d of %d", t.FollowUpCount+1, in.Policy.FollowUpLimit()),
	}, nil
}

// Decide carries an operator's verdict on a queued action. Whether the
// verdict can be applied is the decision gate's call; Decide only says where
// the thread goes if it is.
type Decide struct{}

func (*Decide) Name() string { return "decide" }

func (*Decide) Process(_ context.Context, in Input) (*Proposal, error) {
	var p event.Decided
	if err := in.Event.Decode(&p); err != nil {
		return nil, err
	}
	if p.ActionID == "" {
		return nil, fmt.Errorf("%w: action.decided missing action_id", event.ErrInvalidPayload)
	}
	var verdict decision.Verdict
	switch p.Verdict {
	case event.VerdictApprove:
		verdict = decision.Approve
	case event.VerdictReject:
		verdict = decision.Reject
	default:
		return nil, fmt.Errorf("%w: unknown verdict %q", event.ErrInvalidPayload, p.Verdict)
	}
	if in.Snapshot.Action(p.ActionID) == nil {
		return nil, fmt.Errorf("%w: action %s is not on thread %s", event.ErrInvalidPayload, p.ActionID, in.Thread().ID)
	}

	prop := &Proposal{
		To:       in.Stage,
		Decision: &Decision{ActionID: p.ActionID, Verdict: verdict, Operator: p.Operator},
		Note:     fmt.Sprintf("operator %s: %s", p.Operator, p.Verdict),
	}
	if in.Stage == negotiation.StageAwaitingDecision {
		if verdict == decision.Approve {
			prop.To = negotiation.StageApproved
		} else {
			prop.To = negotiation.StageRejected
			prop.Continue = true
		}
	}
	return prop, nil
}

// Close ends the negotiation as won or lost.
type Close struct{}

func (*Close) Name() string { return "close" }

func (*Close) Process(_ context.Context, in Input) (*Proposal, error) {
	var p event.Closed
	if err := in.Event.Decode(&p); err != nil {
		return nil, err
	}
	switch strings.ToLower(p.Result) {
	case "won":
		return &Proposal{To: negotiation.StageClosedWon, Note: p.Reason}, nil
	case "lost":
		return &Proposal{To: negotiation.StageClosedLost, Note: p.Reason}, nil
	}
	return nil, fmt.Errorf("%w: deal.closed result must be won or lost, got %q", event.ErrInvalidPayload, p.Result)
}

// Reopen brings a closed thread back to extracted on an operator's request.
type Reopen struct{}

func (*Reopen) Name() string { return "reopen" }

func (*Reopen) Process(_ context.Context, in Input) (*Proposal, error) {
	var p event.Reopen
	if err := in.Event.Decode(&p); err != nil {
		return nil, err
	}
	if p.Operator == "" {
		return nil, fmt.Errorf("%w: thread.reopen requires an operator", event.ErrInvalidPayload)
	}
	return &Proposal{
		To:       negotiation.StageExtracted,
		Reopen:   true,
		Continue: true,
		Note:     fmt.Sprintf("reopened by %s: %s", p.Operator, p.Reason),
	}, nil
}

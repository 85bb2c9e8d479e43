package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/dealflow/internal/event"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/oracle"
)

// Message intents assigned by Classify.
const (
	IntentDealInquiry  = "deal_inquiry"
	IntentCounterOffer = "counter_offer"
	IntentAcceptance   = "acceptance"
	IntentRejection    = "rejection"
	IntentQuestion     = "question"
	IntentOther        = "other"
	IntentRedline      = "contract_redline"
)

func validIntent(s string) bool {
	switch s {
	case IntentDealInquiry, IntentCounterOffer, IntentAcceptance, IntentRejection, IntentQuestion, IntentOther:
		return true
	}
	return false
}

// inboundMessage decodes an email payload into a scrubbed message.
func inboundMessage(d Deps, in Input) (*negotiation.Message, error) {
	var p event.Email
	if err := in.Event.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	at := p.ReceivedAt
	if at.IsZero() {
		at = in.Now
	}
	return &negotiation.Message{
		ID:         d.NewID(),
		ThreadID:   in.Thread().ID,
		ExternalID: p.MessageID,
		From:       p.From,
		Subject:    p.Subject,
		Body:       d.scrub(p.Body),
		ReceivedAt: at.UTC(),
	}, nil
}

// Classify labels a new inbound email with its intent and moves the thread
// to classified. It handles first contact and replies to something we sent.
type Classify struct{ deps Deps }

func (*Classify) Name() string { return "classify" }

func (c *Classify) Process(ctx context.Context, in Input) (*Proposal, error) {
	msg, err := inboundMessage(c.deps, in)
	if err != nil {
		return nil, err
	}

	type answer struct {
		Intent string `json:"intent"`
	}
	ans, res := ask(ctx, c.deps, oracle.Request{
		Task:         "classify",
		Instructions: "Classify the intent of the latest counterparty email in a talent sponsorship negotiation.",
		Context: map[string]any{
			"subject": msg.Subject,
			"body":    msg.Body,
			"stage":   in.Stage,
		},
		ResponseShape: `{"intent": "deal_inquiry" | "counter_offer" | "acceptance" | "rejection" | "question" | "other"}`,
	}, answer{Intent: classifyHeuristic(msg.Subject + "\n" + msg.Body)})

	msg.Intent = ans.Intent
	if !validIntent(msg.Intent) {
		msg.Intent = IntentOther
	}
	return &Proposal{
		To:       negotiation.StageClassified,
		Message:  msg,
		Continue: true,
		Note:     fmt.Sprintf("intent %s (confidence %.2f, degraded %t)", msg.Intent, res.Confidence, res.Degraded),
	}, nil
}

// Absorb stores an email that arrives while the pipeline is already working
// on the thread. The stage does not move, except that a silent thread
// resumes where it was.
type Absorb struct{ deps Deps }

func (*Absorb) Name() string { return "absorb" }

func (a *Absorb) Process(_ context.Context, in Input) (*Proposal, error) {
	msg, err := inboundMessage(a.deps, in)
	if err != nil {
		return nil, err
	}
	msg.Intent = classifyHeuristic(msg.Subject + "\n" + msg.Body)
	return &Proposal{To: in.Stage, Message: msg, Note: "message absorbed mid-pipeline"}, nil
}

// ReviewContract reads a counterparty's contract redline against the
// current draft and proposes either countersigning or a reply listing the
// issues.
type ReviewContract struct{ deps Deps }

func (*ReviewContract) Name() string { return "review-contract" }

func (r *ReviewContract) Process(ctx context.Context, in Input) (*Proposal, error) {
	var p event.Redline
	if err := in.Event.Decode(&p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Document) == "" {
		return nil, fmt.Errorf("%w: contract.redline missing document", event.ErrInvalidPayload)
	}
	doc := r.deps.scrub(p.Document)
	msg := &negotiation.Message{
		ID:         r.deps.NewID(),
		ThreadID:   in.Thread().ID,
		ExternalID: p.MessageID,
		From:       in.Thread().Counterparty,
		Subject:    "Contract redline",
		Body:       doc,
		Intent:     IntentRedline,
		ReceivedAt: in.Now,
	}

	type review struct {
		Acceptable bool     `json:"acceptable"`
		Issues     []string `json:"issues"`
		Summary    string   `json:"summary"`
	}
	ans, res := ask(ctx, r.deps, oracle.Request{
		Task:         "review_contract",
		Instructions: "Compare the redlined contract with the agreed deal terms. List every term that changed against the talent's interest.",
		Context: map[string]any{
			"document": doc,
			"draft":    in.Snapshot.Draft,
		},
		ResponseShape: `{"acceptable": bool, "issues": [string], "summary": string}`,
	}, review{Issues: []string{"automatic review unavailable; manual review required"}})

	var action *negotiation.ActionRequest
	if ans.Acceptable && len(ans.Issues) == 0 {
		action = r.deps.newAction(in, negotiation.ActionSendContract,
			"Signed agreement", "Please find the countersigned agreement attached.\n\n"+ans.Summary, res.Confidence)
	} else {
		var b strings.Builder
		b.WriteString("Thanks for the redline. Before we can sign we need to resolve the following:\n\n")
		for _, issue := range ans.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
		action = r.deps.newAction(in, negotiation.ActionSendEmail, "Re: contract", b.String(), res.Confidence)
	}
	return &Proposal{
		To:      negotiation.StageAwaitingDecision,
		Message: msg,
		Action:  action,
		Note:    fmt.Sprintf("contract review: acceptable=%t issues=%d", ans.Acceptable, len(ans.Issues)),
	}, nil
}

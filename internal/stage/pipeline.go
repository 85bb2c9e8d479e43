package stage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/oracle"
)

type deliverableTerms struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
	DueAt    string `json:"due_at,omitempty"`
}

type exclusivityTerms struct {
	Category string `json:"category"`
	Until    string `json:"until,omitempty"`
}

type draftTerms struct {
	Brand        string             `json:"brand"`
	Budget       decimal.Decimal    `json:"budget"`
	Currency     string             `json:"currency"`
	Deliverables []deliverableTerms `json:"deliverables"`
	Exclusivity  *exclusivityTerms  `json:"exclusivity"`
	UsageRights  string             `json:"usage_rights"`
}

func termsFromDraft(d *negotiation.DealDraft) draftTerms {
	t := draftTerms{Brand: d.Brand, Budget: d.Budget, Currency: d.Currency, UsageRights: d.UsageRights}
	for _, del := range d.Deliverables {
		dt := deliverableTerms{Type: del.Type, Quantity: del.Quantity}
		if !del.DueAt.IsZero() {
			dt.DueAt = del.DueAt.Format(time.RFC3339)
		}
		t.Deliverables = append(t.Deliverables, dt)
	}
	if d.Exclusivity != nil {
		t.Exclusivity = &exclusivityTerms{Category: d.Exclusivity.Category}
		if !d.Exclusivity.Until.IsZero() {
			t.Exclusivity.Until = d.Exclusivity.Until.Format(time.RFC3339)
		}
	}
	return t
}

// parseDate accepts RFC 3339 timestamps and bare dates. Anything else is
// treated as unknown.
func parseDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (t draftTerms) toDraft() negotiation.DealDraft {
	d := negotiation.DealDraft{
		Brand:       strings.TrimSpace(t.Brand),
		Budget:      t.Budget,
		Currency:    strings.ToUpper(strings.TrimSpace(t.Currency)),
		UsageRights: t.UsageRights,
	}
	if d.Currency == "" {
		d.Currency = "USD"
	}
	if d.Budget.IsNegative() {
		d.Budget = decimal.Zero
	}
	for _, del := range t.Deliverables {
		if del.Type == "" {
			continue
		}
		q := del.Quantity
		if q <= 0 {
			q = 1
		}
		d.Deliverables = append(d.Deliverables, negotiation.Deliverable{
			Type:     normalizeDeliverable(del.Type),
			Quantity: q,
			DueAt:    parseDate(del.DueAt),
		})
	}
	if t.Exclusivity != nil && t.Exclusivity.Category != "" {
		d.Exclusivity = &negotiation.Exclusivity{
			Category: strings.ToLower(t.Exclusivity.Category),
			Until:    parseDate(t.Exclusivity.Until),
		}
	}
	return d
}

// Extract turns the thread's messages into a new draft version. Earlier
// versions, including locked ones, are never edited.
type Extract struct{ deps Deps }

func (*Extract) Name() string { return "extract" }

func (e *Extract) Process(ctx context.Context, in Input) (*Proposal, error) {
	snap := in.Snapshot
	if len(snap.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages to extract from", ErrStaleInput)
	}

	fallback := extractHeuristic(snap.Messages, in.Thread().Counterparty)
	if snap.Draft != nil {
		fallback = termsFromDraft(snap.Draft)
	}

	msgs := make([]map[string]string, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		msgs = append(msgs, map[string]string{"from": m.From, "subject": m.Subject, "body": m.Body})
	}
	terms, res := ask(ctx, e.deps, oracle.Request{
		Task:         "extract",
		Instructions: "Extract the brand's offer from the conversation: brand name, total budget, currency, deliverables with due dates, exclusivity and usage rights. Use null for terms that were not stated.",
		Context: map[string]any{
			"messages":       msgs,
			"previous_draft": snap.Draft,
		},
		ResponseShape: `{"brand": string, "budget": number, "currency": string, "deliverables": [{"type": string, "quantity": number, "due_at": "YYYY-MM-DD"}], "exclusivity": {"category": string, "until": "YYYY-MM-DD"} | null, "usage_rights": string}`,
	}, fallback)

	draft := terms.toDraft()
	draft.ID = e.deps.NewID()
	draft.ThreadID = in.Thread().ID
	draft.Version = 1
	if snap.Draft != nil {
		draft.Version = snap.Draft.Version + 1
	}
	if latest := snap.LatestMessage(); latest != nil {
		draft.SourceMessageID = latest.ID
	}
	draft.Degraded = res.Degraded
	draft.CreatedAt = in.Now

	return &Proposal{
		To:       negotiation.StageExtracted,
		Draft:    &draft,
		Continue: true,
		Note:     fmt.Sprintf("draft v%d budget %s %s", draft.Version, draft.Budget.StringFixed(2), draft.Currency),
	}, nil
}

type planTerms struct {
	Opening          decimal.Decimal   `json:"opening"`
	ConcessionLadder []decimal.Decimal `json:"concession_ladder"`
	WalkAway         decimal.Decimal   `json:"walk_away"`
	Rationale        string            `json:"rationale"`
}

// valid requires opening >= each ladder step >= walk-away >= 0, with the
// ladder non-increasing.
func (p planTerms) valid() bool {
	if p.WalkAway.IsNegative() || p.Opening.LessThan(p.WalkAway) {
		return false
	}
	prev := p.Opening
	for _, step := range p.ConcessionLadder {
		if step.GreaterThan(prev) || step.LessThan(p.WalkAway) {
			return false
		}
		prev = step
	}
	return true
}

// Strategize computes a new current strategy from the current draft.
type Strategize struct{ deps Deps }

func (*Strategize) Name() string { return "strategize" }

func (s *Strategize) Process(ctx context.Context, in Input) (*Proposal, error) {
	draft := in.Snapshot.Draft
	if draft == nil {
		return nil, fmt.Errorf("%w: no draft to plan against", ErrStaleInput)
	}
	style := in.Policy.NegotiationStyle
	if !style.Valid() {
		style = negotiation.StyleBalanced
	}
	fallback := strategyHeuristic(draft.Budget, style)

	plan, res := ask(ctx, s.deps, oracle.Request{
		Task:         "strategize",
		Instructions: fmt.Sprintf("Plan the talent's side of this negotiation with a %s posture: an opening ask, a concession ladder and a walk-away point, all in the draft's currency.", style),
		Context: map[string]any{
			"draft":    draft,
			"previous": in.Snapshot.Strategy,
		},
		ResponseShape: `{"opening": number, "concession_ladder": [number], "walk_away": number, "rationale": string}`,
	}, fallback)

	degraded := res.Degraded || draft.Degraded
	if !plan.valid() {
		s.deps.Logger.Warn("strategy out of order, using heuristic plan")
		plan, degraded = fallback, true
	}

	return &Proposal{
		To: negotiation.StageStrategized,
		Strategy: &negotiation.Strategy{
			ID:               s.deps.NewID(),
			ThreadID:         in.Thread().ID,
			DraftID:          draft.ID,
			Style:            style,
			Opening:          plan.Opening,
			ConcessionLadder: plan.ConcessionLadder,
			WalkAway:         plan.WalkAway,
			Rationale:        plan.Rationale,
			Current:          true,
			Degraded:         degraded,
			CreatedAt:        in.Now,
		},
		Continue: true,
		Note:     fmt.Sprintf("%s strategy opening %s", style, plan.Opening.StringFixed(2)),
	}, nil
}

type candidate struct {
	Reply           string          `json:"reply"`
	Score           float64         `json:"score"`
	ProjectedAmount decimal.Decimal `json:"projected_amount"`
}

// Simulator generates a batch of scored candidate replies for a strategy.
type Simulator struct{ deps Deps }

// Run returns the ranked batch, best first, capped at the configured size.
func (s *Simulator) Run(ctx context.Context, in Input, plan *negotiation.Strategy) ([]negotiation.Simulation, oracle.Result) {
	type batch struct {
		Candidates []candidate `json:"candidates"`
	}
	counterparty := in.Thread().Counterparty
	out, res := ask(ctx, s.deps, oracle.Request{
		Task:         "simulate",
		Instructions: "Propose candidate replies that follow the strategy. Score each by the likelihood the brand accepts while the talent stays above the walk-away point.",
		Context: map[string]any{
			"strategy": plan,
			"messages": in.Snapshot.Messages,
		},
		ResponseShape: `{"candidates": [{"reply": string, "score": number between 0 and 1, "projected_amount": number}]}`,
	}, batch{Candidates: simulationHeuristic(plan, counterparty)})

	cands := out.Candidates
	if len(cands) == 0 {
		cands = simulationHeuristic(plan, counterparty)
		res.Degraded = true
	}
	for i := range cands {
		if math.IsNaN(cands[i].Score) {
			cands[i].Score = 0
		}
		cands[i].Score = math.Max(0, math.Min(1, cands[i].Score))
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ProjectedAmount.GreaterThan(cands[j].ProjectedAmount)
	})
	if len(cands) > s.deps.Simulations {
		cands = cands[:s.deps.Simulations]
	}

	runID := s.deps.NewID()
	sims := make([]negotiation.Simulation, 0, len(cands))
	for i, c := range cands {
		sims = append(sims, negotiation.Simulation{
			ID:              s.deps.NewID(),
			ThreadID:        in.Thread().ID,
			StrategyID:      plan.ID,
			RunID:           runID,
			Rank:            i + 1,
			Score:           c.Score,
			Reply:           c.Reply,
			ProjectedAmount: c.ProjectedAmount,
			CreatedAt:       in.Now,
		})
	}
	return sims, res
}

// DraftReply simulates candidate replies for the current strategy and turns
// the best one into an outbound email for the decision gate.
type DraftReply struct {
	deps Deps
	sim  *Simulator
}

func (*DraftReply) Name() string { return "draft-reply" }

func (d *DraftReply) Process(ctx context.Context, in Input) (*Proposal, error) {
	plan := in.Snapshot.Strategy
	if plan == nil {
		return nil, fmt.Errorf("%w: no current strategy", ErrStaleInput)
	}
	sims, simRes := d.sim.Run(ctx, in, plan)
	top := sims[0]

	subject := "Re: partnership"
	if latest := in.Snapshot.LatestMessage(); latest != nil && latest.Subject != "" {
		subject = "Re: " + strings.TrimPrefix(latest.Subject, "Re: ")
	}
	type email struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	out, res := ask(ctx, d.deps, oracle.Request{
		Task:         "draft_reply",
		Instructions: "Write the talent manager's reply email based on the chosen candidate. Keep the amount exactly as given.",
		Context: map[string]any{
			"candidate": top,
			"strategy":  plan,
			"thread":    in.Snapshot.Messages,
		},
		ResponseShape: `{"subject": string, "body": string}`,
	}, email{Subject: subject, Body: top.Reply})

	if strings.TrimSpace(out.Body) == "" {
		out.Body, res.Degraded = top.Reply, true
	}
	if out.Subject == "" {
		out.Subject = subject
	}
	confidence := res.Confidence
	if res.Degraded || simRes.Degraded || plan.Degraded {
		confidence = min(confidence, oracle.DegradedConfidence)
	}

	return &Proposal{
		To:          negotiation.StageAwaitingDecision,
		Simulations: sims,
		Action:      d.deps.newAction(in, negotiation.ActionSendEmail, out.Subject, out.Body, confidence),
		Note:        fmt.Sprintf("%d simulations, top score %.2f", len(sims), top.Score),
	}, nil
}

// Redraft sends a rejected thread back to extraction so a fresh strategy and
// reply are computed.
type Redraft struct{}

func (*Redraft) Name() string { return "redraft" }

func (*Redraft) Process(context.Context, Input) (*Proposal, error) {
	return &Proposal{To: negotiation.StageExtracted, Continue: true, Note: "reply rejected, replanning"}, nil
}

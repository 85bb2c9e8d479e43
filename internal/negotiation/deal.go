package negotiation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deliverable is one unit of work promised to a brand.
type Deliverable struct {
	Type     string    `json:"type"`
	Quantity int       `json:"quantity"`
	DueAt    time.Time `json:"due_at"`
}

// Exclusivity restricts the talent from working with competitors in a
// category until a date.
type Exclusivity struct {
	Category string    `json:"category"`
	Until    time.Time `json:"until,omitempty"`
}

// DealDraft is the structured offer extracted from a thread's messages.
// Once Locked (a contract was sent) it is never edited; extraction writes a
// new version instead.
type DealDraft struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"thread_id"`
	Version         int             `json:"version"`
	Brand           string          `json:"brand"`
	Budget          decimal.Decimal `json:"budget"`
	Currency        string          `json:"currency"`
	Deliverables    []Deliverable   `json:"deliverables,omitempty"`
	Exclusivity     *Exclusivity    `json:"exclusivity,omitempty"`
	UsageRights     string          `json:"usage_rights,omitempty"`
	Locked          bool            `json:"locked"`
	SourceMessageID string          `json:"source_message_id,omitempty"`
	Degraded        bool            `json:"degraded,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// HasExclusivity reports whether the draft carries exclusivity terms.
func (d *DealDraft) HasExclusivity() bool {
	return d != nil && d.Exclusivity != nil
}

// Clone returns a deep copy of d.
func (d *DealDraft) Clone() *DealDraft {
	if d == nil {
		return nil
	}
	c := *d
	c.Deliverables = append([]Deliverable(nil), d.Deliverables...)
	if d.Exclusivity != nil {
		ex := *d.Exclusivity
		c.Exclusivity = &ex
	}
	return &c
}

// Style is the negotiation posture configured for an owner.
type Style string

const (
	StyleCollaborative Style = "collaborative"
	StyleBalanced      Style = "balanced"
	StyleAssertive     Style = "assertive"
)

// Valid reports whether s is a known style.
func (s Style) Valid() bool {
	switch s {
	case StyleCollaborative, StyleBalanced, StyleAssertive:
		return true
	}
	return false
}

// Strategy is a computed negotiation plan. Only one strategy per thread is
// current; superseded ones are kept.
type Strategy struct {
	ID               string            `json:"id"`
	ThreadID         string            `json:"thread_id"`
	DraftID          string            `json:"draft_id,omitempty"`
	Style            Style             `json:"style"`
	Opening          decimal.Decimal   `json:"opening"`
	ConcessionLadder []decimal.Decimal `json:"concession_ladder,omitempty"`
	WalkAway         decimal.Decimal   `json:"walk_away"`
	Rationale        string            `json:"rationale,omitempty"`
	Current          bool              `json:"current"`
	Degraded         bool              `json:"degraded,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	SupersededAt     *time.Time        `json:"superseded_at,omitempty"`
}

// Simulation is one scored candidate reply generated in a strategy run.
type Simulation struct {
	ID              string          `json:"id"`
	ThreadID        string          `json:"thread_id"`
	StrategyID      string          `json:"strategy_id"`
	RunID           string          `json:"run_id"`
	Rank            int             `json:"rank"`
	Score           float64         `json:"score"`
	Reply           string          `json:"reply"`
	ProjectedAmount decimal.Decimal `json:"projected_amount"`
	CreatedAt       time.Time       `json:"created_at"`
}

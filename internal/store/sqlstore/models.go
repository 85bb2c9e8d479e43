package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// activeSlot marks the one active thread of an (owner, counterparty) pair.
// Closed threads move their slot to their own ID, which frees the pair under
// the unique index.
const activeSlot = "active"

type threadRow struct {
	ID               string            `gorm:"primaryKey;size:36"`
	OwnerID          string            `gorm:"size:64;not null;index;uniqueIndex:idx_threads_active,priority:1"`
	CounterpartyKey  string            `gorm:"size:255;not null;uniqueIndex:idx_threads_active,priority:2"`
	ActiveSlot       string            `gorm:"size:36;not null;uniqueIndex:idx_threads_active,priority:3"`
	Counterparty     string            `gorm:"size:255;not null"`
	Stage            negotiation.Stage `gorm:"size:32;not null;index"`
	PriorStage       negotiation.Stage `gorm:"size:32;not null;default:''"`
	AutopilotEnabled bool              `gorm:"not null;default:false"`
	LastActionAt     time.Time         `gorm:"not null;index"`
	LastInboundAt    *time.Time
	FollowUpCount    int    `gorm:"not null;default:0"`
	InflightActionID string `gorm:"size:36;not null;default:''"`
	Version          int64  `gorm:"not null"`
	InboundVersion   int64  `gorm:"not null;default:0"`
	ActionVersion    int64  `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime:false"`
	ClosedAt         *time.Time
}

func (threadRow) TableName() string { return "threads" }

func (r *threadRow) toDomain() *negotiation.Thread {
	t := &negotiation.Thread{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		Counterparty:     r.Counterparty,
		Stage:            r.Stage,
		PriorStage:       r.PriorStage,
		AutopilotEnabled: r.AutopilotEnabled,
		LastActionAt:     r.LastActionAt.UTC(),
		FollowUpCount:    r.FollowUpCount,
		InflightActionID: r.InflightActionID,
		Version:          r.Version,
		InboundVersion:   r.InboundVersion,
		ActionVersion:    r.ActionVersion,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
		ClosedAt:         utcPtr(r.ClosedAt),
	}
	if r.LastInboundAt != nil {
		t.LastInboundAt = r.LastInboundAt.UTC()
	}
	return t
}

type messageRow struct {
	ID         string    `gorm:"primaryKey;size:36"`
	ThreadID   string    `gorm:"size:36;not null;index"`
	ExternalID string    `gorm:"size:255"`
	From       string    `gorm:"column:sender;size:255"`
	Subject    string    `gorm:"size:512"`
	Body       string    `gorm:"type:text"`
	Intent     string    `gorm:"size:64"`
	ReceivedAt time.Time `gorm:"not null"`
}

func (messageRow) TableName() string { return "messages" }

func newMessageRow(m *negotiation.Message) *messageRow {
	return &messageRow{
		ID: m.ID, ThreadID: m.ThreadID, ExternalID: m.ExternalID, From: m.From,
		Subject: m.Subject, Body: m.Body, Intent: m.Intent, ReceivedAt: m.ReceivedAt.UTC(),
	}
}

func (r *messageRow) toDomain() negotiation.Message {
	return negotiation.Message{
		ID: r.ID, ThreadID: r.ThreadID, ExternalID: r.ExternalID, From: r.From,
		Subject: r.Subject, Body: r.Body, Intent: r.Intent, ReceivedAt: r.ReceivedAt.UTC(),
	}
}

type draftRow struct {
	ID              string          `gorm:"primaryKey;size:36"`
	ThreadID        string          `gorm:"size:36;not null;uniqueIndex:idx_drafts_version,priority:1"`
	Version         int             `gorm:"not null;uniqueIndex:idx_drafts_version,priority:2"`
	Brand           string          `gorm:"size:255"`
	Budget          decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Currency        string          `gorm:"size:8"`
	Deliverables    datatypes.JSON
	Exclusivity     datatypes.JSON
	UsageRights     string `gorm:"type:text"`
	Locked          bool   `gorm:"not null;default:false"`
	SourceMessageID string `gorm:"size:36"`
	Degraded        bool   `gorm:"not null;default:false"`
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
}

func (draftRow) TableName() string { return "deal_drafts" }

func newDraftRow(d *negotiation.DealDraft) (*draftRow, error) {
	deliverables, err := marshalJSON(d.Deliverables)
	if err != nil {
		return nil, fmt.Errorf("encode deliverables: %w", err)
	}
	var exclusivity datatypes.JSON
	if d.Exclusivity != nil {
		if exclusivity, err = marshalJSON(d.Exclusivity); err != nil {
			return nil, fmt.Errorf("encode exclusivity: %w", err)
		}
	}
	return &draftRow{
		ID: d.ID, ThreadID: d.ThreadID, Version: d.Version, Brand: d.Brand,
		Budget: d.Budget, Currency: d.Currency, Deliverables: deliverables,
		Exclusivity: exclusivity, UsageRights: d.UsageRights, Locked: d.Locked,
		SourceMessageID: d.SourceMessageID, Degraded: d.Degraded, CreatedAt: d.CreatedAt.UTC(),
	}, nil
}

func (r *draftRow) toDomain() (*negotiation.DealDraft, error) {
	d := &negotiation.DealDraft{
		ID: r.ID, ThreadID: r.ThreadID, Version: r.Version, Brand: r.Brand,
		Budget: r.Budget, Currency: r.Currency, UsageRights: r.UsageRights,
		Locked: r.Locked, SourceMessageID: r.SourceMessageID, Degraded: r.Degraded,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if len(r.Deliverables) > 0 {
		if err := json.Unmarshal(r.Deliverables, &d.Deliverables); err != nil {
			return nil, fmt.Errorf("decode deliverables: %w", err)
		}
	}
	if len(r.Exclusivity) > 0 && string(r.Exclusivity) != "null" {
		d.Exclusivity = &negotiation.Exclusivity{}
		if err := json.Unmarshal(r.Exclusivity, d.Exclusivity); err != nil {
			return nil, fmt.Errorf("decode exclusivity: %w", err)
		}
	}
	return d, nil
}

type strategyRow struct {
	ID               string            `gorm:"primaryKey;size:36"`
	ThreadID         string            `gorm:"size:36;not null;index"`
	DraftID          string            `gorm:"size:36"`
	Style            negotiation.Style `gorm:"size:32"`
	Opening          decimal.Decimal   `gorm:"type:decimal(20,4);not null"`
	ConcessionLadder datatypes.JSON
	WalkAway         decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Rationale        string          `gorm:"type:text"`
	IsCurrent        bool            `gorm:"not null;index"`
	Degraded         bool            `gorm:"not null;default:false"`
	CreatedAt        time.Time       `gorm:"autoCreateTime:false"`
	SupersededAt     *time.Time
}

func (strategyRow) TableName() string { return "strategies" }

func newStrategyRow(s *negotiation.Strategy) (*strategyRow, error) {
	ladder, err := marshalJSON(s.ConcessionLadder)
	if err != nil {
		return nil, fmt.Errorf("encode concession ladder: %w", err)
	}
	return &strategyRow{
		ID: s.ID, ThreadID: s.ThreadID, DraftID: s.DraftID, Style: s.Style,
		Opening: s.Opening, ConcessionLadder: ladder, WalkAway: s.WalkAway,
		Rationale: s.Rationale, IsCurrent: true, Degraded: s.Degraded,
		CreatedAt: s.CreatedAt.UTC(),
	}, nil
}

func (r *strategyRow) toDomain() (*negotiation.Strategy, error) {
	s := &negotiation.Strategy{
		ID: r.ID, ThreadID: r.ThreadID, DraftID: r.DraftID, Style: r.Style,
		Opening: r.Opening, WalkAway: r.WalkAway, Rationale: r.Rationale,
		Current: r.IsCurrent, Degraded: r.Degraded, CreatedAt: r.CreatedAt.UTC(),
		SupersededAt: utcPtr(r.SupersededAt),
	}
	if len(r.ConcessionLadder) > 0 {
		if err := json.Unmarshal(r.ConcessionLadder, &s.ConcessionLadder); err != nil {
			return nil, fmt.Errorf("decode concession ladder: %w", err)
		}
	}
	return s, nil
}

type simulationRow struct {
	ID              string          `gorm:"primaryKey;size:36"`
	ThreadID        string          `gorm:"size:36;not null;index"`
	StrategyID      string          `gorm:"size:36;not null;index"`
	RunID           string          `gorm:"size:36;not null"`
	Rank            int             `gorm:"column:sim_rank;not null"`
	Score           float64         `gorm:"not null"`
	Reply           string          `gorm:"type:text"`
	ProjectedAmount decimal.Decimal `gorm:"type:decimal(20,4)"`
	CreatedAt       time.Time       `gorm:"autoCreateTime:false"`
}

func (simulationRow) TableName() string { return "simulations" }

func newSimulationRow(s negotiation.Simulation) simulationRow {
	return simulationRow{
		ID: s.ID, ThreadID: s.ThreadID, StrategyID: s.StrategyID, RunID: s.RunID,
		Rank: s.Rank, Score: s.Score, Reply: s.Reply, ProjectedAmount: s.ProjectedAmount,
		CreatedAt: s.CreatedAt.UTC(),
	}
}

func (r *simulationRow) toDomain() negotiation.Simulation {
	return negotiation.Simulation{
		ID: r.ID, ThreadID: r.ThreadID, StrategyID: r.StrategyID, RunID: r.RunID,
		Rank: r.Rank, Score: r.Score, Reply: r.Reply, ProjectedAmount: r.ProjectedAmount,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type actionRow struct {
	ID               string                   `gorm:"primaryKey;size:36"`
	ThreadID         string                   `gorm:"size:36;not null;index"`
	OwnerID          string                   `gorm:"size:64;not null;index"`
	Kind             negotiation.ActionKind   `gorm:"size:32;not null"`
	Recipient        string                   `gorm:"size:255"`
	Subject          string                   `gorm:"size:512"`
	Body             string                   `gorm:"type:text"`
	Confidence       float64                  `gorm:"not null"`
	RequiresApproval bool                     `gorm:"not null"`
	Status           negotiation.ActionStatus `gorm:"size:16;not null;index"`
	GateOutcome      string                   `gorm:"size:32"`
	GateReason       string                   `gorm:"size:255"`
	DecidedBy        string                   `gorm:"size:64"`
	EntryID          string                   `gorm:"size:36"`
	CreatedAt        time.Time                `gorm:"autoCreateTime:false"`
	DecidedAt        *time.Time
	ExecutedAt       *time.Time
}

func (actionRow) TableName() string { return "action_requests" }

func newActionRow(a *negotiation.ActionRequest) *actionRow {
	return &actionRow{
		ID: a.ID, ThreadID: a.ThreadID, OwnerID: a.OwnerID, Kind: a.Kind,
		Recipient: a.Recipient, Subject: a.Subject, Body: a.Body,
		Confidence: a.Confidence, RequiresApproval: a.RequiresApproval,
		Status: a.Status, GateOutcome: a.GateOutcome, GateReason: a.GateReason,
		DecidedBy: a.DecidedBy, EntryID: a.EntryID, CreatedAt: a.CreatedAt.UTC(),
		DecidedAt: utcPtr(a.DecidedAt), ExecutedAt: utcPtr(a.ExecutedAt),
	}
}

func (r *actionRow) toDomain() *negotiation.ActionRequest {
	return &negotiation.ActionRequest{
		ID: r.ID, ThreadID: r.ThreadID, OwnerID: r.OwnerID, Kind: r.Kind,
		Recipient: r.Recipient, Subject: r.Subject, Body: r.Body,
		Confidence: r.Confidence, RequiresApproval: r.RequiresApproval,
		Status: r.Status, GateOutcome: r.GateOutcome, GateReason: r.GateReason,
		DecidedBy: r.DecidedBy, EntryID: r.EntryID, CreatedAt: r.CreatedAt.UTC(),
		DecidedAt: utcPtr(r.DecidedAt), ExecutedAt: utcPtr(r.ExecutedAt),
	}
}

type entryRow struct {
	ID             string         `gorm:"primaryKey;size:36"`
	IdempotencyKey string         `gorm:"size:64;not null;index:idx_ledger_key_outcome,priority:1"`
	Outcome        ledger.Outcome `gorm:"size:16;not null;index:idx_ledger_key_outcome,priority:2"`
	EventType      string         `gorm:"size:64;not null"`
	ThreadID       string         `gorm:"size:36;index"`
	OwnerID        string         `gorm:"size:64"`
	Processor      string         `gorm:"size:64"`
	Reason         string         `gorm:"type:text"`
	Input          datatypes.JSON
	Result         datatypes.JSON
	CreatedAt      time.Time `gorm:"autoCreateTime:false;index"`
}

func (entryRow) TableName() string { return "ledger_entries" }

func newEntryRow(e *ledger.Entry) *entryRow {
	return &entryRow{
		ID: e.ID, IdempotencyKey: e.IdempotencyKey, Outcome: e.Outcome,
		EventType: e.EventType, ThreadID: e.ThreadID, OwnerID: e.OwnerID,
		Processor: e.Processor, Reason: e.Reason,
		Input: datatypes.JSON(e.Input), Result: datatypes.JSON(e.Result),
		CreatedAt: e.CreatedAt.UTC(),
	}
}

func (r *entryRow) toDomain() *ledger.Entry {
	return &ledger.Entry{
		ID: r.ID, IdempotencyKey: r.IdempotencyKey, Outcome: r.Outcome,
		EventType: r.EventType, ThreadID: r.ThreadID, OwnerID: r.OwnerID,
		Processor: r.Processor, Reason: r.Reason,
		Input: json.RawMessage(r.Input), Result: json.RawMessage(r.Result),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

type outboxRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	EntryID      string `gorm:"size:36"`
	ThreadID     string `gorm:"size:36;index"`
	Name         string `gorm:"size:64;not null"`
	Payload      datatypes.JSON
	NotBefore    *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime:false;index"`
	DispatchedAt *time.Time `gorm:"index"`
}

func (outboxRow) TableName() string { return "outbox" }

func newOutboxRow(j *store.OutboxJob) *outboxRow {
	r := &outboxRow{
		ID: j.ID, EntryID: j.EntryID, ThreadID: j.ThreadID, Name: j.Name,
		Payload: datatypes.JSON(j.Payload), CreatedAt: j.CreatedAt.UTC(),
		DispatchedAt: utcPtr(j.DispatchedAt),
	}
	if !j.NotBefore.IsZero() {
		nb := j.NotBefore.UTC()
		r.NotBefore = &nb
	}
	return r
}

func (r *outboxRow) toDomain() store.OutboxJob {
	j := store.OutboxJob{
		ID: r.ID, EntryID: r.EntryID, ThreadID: r.ThreadID, Name: r.Name,
		Payload: json.RawMessage(r.Payload), CreatedAt: r.CreatedAt.UTC(),
		DispatchedAt: utcPtr(r.DispatchedAt),
	}
	if r.NotBefore != nil {
		j.NotBefore = r.NotBefore.UTC()
	}
	return j
}

type conflictReportRow struct {
	ID          string         `gorm:"primaryKey;size:36"`
	OwnerID     string         `gorm:"size:64;not null;index"`
	GeneratedAt time.Time      `gorm:"not null;index"`
	ThreadCount int            `gorm:"not null"`
	Conflicts   datatypes.JSON
}

func (conflictReportRow) TableName() string { return "conflict_reports" }

func newConflictReportRow(r *conflict.Report) (*conflictReportRow, error) {
	conflicts, err := marshalJSON(r.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("encode conflicts: %w", err)
	}
	return &conflictReportRow{
		ID: r.ID, OwnerID: r.OwnerID, GeneratedAt: r.GeneratedAt.UTC(),
		ThreadCount: r.ThreadCount, Conflicts: conflicts,
	}, nil
}

func (r *conflictReportRow) toDomain() (*conflict.Report, error) {
	rep := &conflict.Report{
		ID: r.ID, OwnerID: r.OwnerID, GeneratedAt: r.GeneratedAt.UTC(),
		ThreadCount: r.ThreadCount, Conflicts: []conflict.Conflict{},
	}
	if len(r.Conflicts) > 0 {
		if err := json.Unmarshal(r.Conflicts, &rep.Conflicts); err != nil {
			return nil, fmt.Errorf("decode conflicts: %w", err)
		}
	}
	return rep, nil
}

func allModels() []any {
	return []any{
		&threadRow{}, &messageRow{}, &draftRow{}, &strategyRow{}, &simulationRow{},
		&actionRow{}, &entryRow{}, &outboxRow{}, &conflictReportRow{},
	}
}

func marshalJSON(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

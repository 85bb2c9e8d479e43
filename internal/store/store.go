// Package store defines the persistence contract of the negotiation core.
// Implementations live in memstore (tests, single process) and sqlstore
// (gorm over MySQL or SQLite).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleTransition is returned by Commit when the thread's stage or
	// version no longer matches what the proposal was computed against.
	ErrStaleTransition = errors.New("stale transition")

	// ErrSingleFlight is returned by Commit when the commit approves an
	// action but the thread already has one approved and not executed.
	ErrSingleFlight = errors.New("single-flight: thread has an in-flight action")

	// ErrActionNotApproved is returned by MarkExecuted when the action is
	// not in the approved state.
	ErrActionNotApproved = errors.New("action is not approved")
)

// ThreadUpdate is the new thread state written by a commit. Zero pointer
// fields leave the column unchanged. Setting LastActionAt or LastInboundAt
// also stamps the thread's ActionVersion or InboundVersion with the version
// the commit produces.
type ThreadUpdate struct {
	Stage         negotiation.Stage
	PriorStage    negotiation.Stage
	LastActionAt  *time.Time
	LastInboundAt *time.Time
	FollowUpCount *int
	ClosedAt      *time.Time

	// Reopen clears the closed timestamp and reclaims the active slot for
	// the (owner, counterparty) pair.
	Reopen bool
}

// Commit is everything one orchestrator invocation writes. It is applied
// atomically: either all of it lands or none of it does.
type Commit struct {
	ThreadID        string
	ExpectedStage   negotiation.Stage
	ExpectedVersion int64
	Update          ThreadUpdate

	// ClaimInflight is the action ID being approved by this commit. The
	// commit fails with ErrSingleFlight if the thread already has one.
	ClaimInflight string

	Message     *negotiation.Message
	Draft       *negotiation.DealDraft
	Strategy    *negotiation.Strategy
	Simulations []negotiation.Simulation

	// NewAction is inserted; UpdatedAction replaces an existing action's
	// status fields (operator decisions).
	NewAction     *negotiation.ActionRequest
	UpdatedAction *negotiation.ActionRequest

	Outbox []OutboxJob
	Entry  *ledger.Entry
	Now    time.Time
}

// OutboxJob is a task-queue job written in the commit transaction and
// relayed to the queue afterwards.
type OutboxJob struct {
	ID           string          `json:"id"`
	EntryID      string          `json:"entry_id"`
	ThreadID     string          `json:"thread_id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	NotBefore    time.Time       `json:"not_before,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// ActionFilter selects actions for listing. Empty fields match everything.
type ActionFilter struct {
	OwnerID  string
	ThreadID string
	Status   negotiation.ActionStatus
	Limit    int
}

// NewThread describes a thread to open when none is active for the pair.
type NewThread struct {
	ID           string
	OwnerID      string
	Counterparty string
	Autopilot    bool
	Now          time.Time
}

// Store is the transactional persistence the orchestrator and sweeper use.
type Store interface {
	ledger.Repository

	// EnsureThread returns the active thread for (owner, counterparty),
	// creating it if none exists. created reports whether it was opened now.
	EnsureThread(ctx context.Context, nt NewThread) (thread *negotiation.Thread, created bool, err error)
	GetThread(ctx context.Context, id string) (*negotiation.Thread, error)
	LoadSnapshot(ctx context.Context, threadID string) (*negotiation.Snapshot, error)
	ListActiveThreads(ctx context.Context, ownerID string) ([]*negotiation.Thread, error)
	ListOwners(ctx context.Context) ([]string, error)

	// ListSilenceCandidates returns non-terminal threads awaiting the
	// counterparty whose last action is before cutoff and who have not
	// replied since.
	ListSilenceCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*negotiation.Thread, error)

	Commit(ctx context.Context, c *Commit) error

	GetAction(ctx context.Context, id string) (*negotiation.ActionRequest, error)
	ListActions(ctx context.Context, f ActionFilter) ([]*negotiation.ActionRequest, error)

	// MarkExecuted moves an approved action to executed, releases the
	// thread's in-flight claim, advances an approved thread to sent, and
	// locks the current draft when a contract was sent.
	MarkExecuted(ctx context.Context, actionID string, at time.Time) (*negotiation.ActionRequest, error)

	// ListStuckActions returns approved actions decided before the cutoff.
	ListStuckActions(ctx context.Context, approvedBefore time.Time, limit int) ([]*negotiation.ActionRequest, error)

	// PendingOutbox returns undispatched jobs, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxJob, error)
	MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error

	SaveConflictReport(ctx context.Context, r *conflict.Report) error
	LatestConflictReport(ctx context.Context, ownerID string) (*conflict.Report, error)

	Close() error
}

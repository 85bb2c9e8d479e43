// Package ledger is the append-only execution ledger. Every orchestrator
// invocation leaves one entry; a successful entry for an idempotency key turns
// later deliveries of the same event into replays of the cached result.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is how an invocation ended
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeStale   Outcome = "stale"
	OutcomeSkipped Outcome = "skipped"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeStale, OutcomeSkipped:
		return true
	}
	return false
}

// Entry is one ledger record. Entries are never updated or deleted.
type Entry struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	ThreadID       string          `json:"thread_id,omitempty"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Processor      string          `json:"processor,omitempty"`
	Outcome        Outcome         `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ErrInvalidEntry is returned for entries that cannot be recorded.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Repository persists entries. FindSuccess returns nil and no error when no
// successful entry exists for the key.
type Repository interface {
	AppendEntry(ctx context.Context, e *Entry) error
	FindSuccess(ctx context.Context, key string) (*Entry, error)
	ListEntries(ctx context.Context, threadID string) ([]*Entry, error)
}

// Ledger records and looks up invocation outcomes.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns a ledger over repo.
func New(repo Repository, opts ...Option) *Ledger {
	l := &Ledger{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewEntry fills in the identity fields of an entry without persisting it.
// The orchestrator uses it for success entries, which are written inside the
// commit transaction rather than through Record.
func (l *Ledger) NewEntry(key string, e Entry) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if !e.Outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidEntry, e.Outcome)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.IdempotencyKey = key
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	return &e, nil
}

// Record appends an entry for key.
func (l *Ledger) Record(ctx context.Context, key string, e Entry) (*Entry, error) {
	entry, err := l.NewEntry(key, e)
	if err != nil {
		return nil, err
	}
	if err := l.repo.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	return entry, nil
}

// Lookup returns the successful entry for key, or nil when the key has never
// succeeded. Failed, stale and skipped entries never suppress a retry.
func (l *Ledger) Lookup(ctx context.Context, key string) (*Entry, error) {
	e, err := l.repo.FindSuccess(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup ledger entry: %w", err)
	}
	return e, nil
}

// History returns every entry recorded for a thread, oldest first.
func (l *Ledger) History(ctx context.Context, threadID string) ([]*Entry, error) {
	return l.repo.ListEntries(ctx, threadID)
}

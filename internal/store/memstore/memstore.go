// Package memstore is an in-memory store.Store. It applies the same
// compare-and-swap rules as the SQL store under a single mutex and is used by
// tests and the single-process development mode.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// Store keeps every record in maps guarded by one mutex. Values are copied on
// the way in and out so callers never share memory with the store.
type Store struct {
	mu sync.Mutex

	threads    map[string]*negotiation.Thread
	active     map[string]string
	messages   map[string][]negotiation.Message
	drafts     map[string][]*negotiation.DealDraft
	strategies map[string][]*negotiation.Strategy
	sims       map[string][]negotiation.Simulation
	actions    map[string]*negotiation.ActionRequest
	entries    []*ledger.Entry
	outbox     []*store.OutboxJob
	reports    map[string][]*conflict.Report
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		threads:    make(map[string]*negotiation.Thread),
		active:     make(map[string]string),
		messages:   make(map[string][]negotiation.Message),
		drafts:     make(map[string][]*negotiation.DealDraft),
		strategies: make(map[string][]*negotiation.Strategy),
		sims:       make(map[string][]negotiation.Simulation),
		actions:    make(map[string]*negotiation.ActionRequest),
		reports:    make(map[string][]*conflict.Report),
	}
}

func activeKey(ownerID, counterparty string) string {
	return ownerID + "\x00" + negotiation.NormalizeCounterparty(counterparty)
}

// EnsureThread implements store.Store.
func (s *Store) EnsureThread(_ context.Context, nt store.NewThread) (*negotiation.Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activeKey(nt.OwnerID, nt.Counterparty)
	if id, ok := s.active[key]; ok {
		return s.threads[id].Clone(), false, nil
	}
	id := nt.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := &negotiation.Thread{
		ID:               id,
		OwnerID:          nt.OwnerID,
		Counterparty:     nt.Counterparty,
		Stage:            negotiation.StageNew,
		AutopilotEnabled: nt.Autopilot,
		LastActionAt:     nt.Now,
		Version:          1,
		CreatedAt:        nt.Now,
		UpdatedAt:        nt.Now,
	}
	s.threads[id] = t
	s.active[key] = id
	return t.Clone(), true, nil
}

// GetThread implements store.Store.
func (s *Store) GetThread(_ context.Context, id string) (*negotiation.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", id, store.ErrNotFound)
	}
	return t.Clone(), nil
}

// LoadSnapshot implements store.Store.
func (s *Store) LoadSnapshot(_ context.Context, threadID string) (*negotiation.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	snap := &negotiation.Snapshot{
		Thread:   t.Clone(),
		Messages: append([]negotiation.Message(nil), s.messages[threadID]...),
	}
	if drafts := s.drafts[threadID]; len(drafts) > 0 {
		snap.Draft = drafts[len(drafts)-1].Clone()
	}
	for _, st := range s.strategies[threadID] {
		if st.Current {
			c := *st
			snap.Strategy = &c
		}
	}
	if snap.Strategy != nil {
		for _, sim := range s.sims[threadID] {
			if sim.StrategyID == snap.Strategy.ID {
				snap.Simulations = append(snap.Simulations, sim)
			}
		}
	}
	snap.Actions = s.actionsLocked(store.ActionFilter{ThreadID: threadID})
	return snap, nil
}

// ListActiveThreads implements store.Store.
func (s *Store) ListActiveThreads(_ context.Context, ownerID string) ([]*negotiation.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*negotiation.Thread
	for _, t := range s.threads {
		if t.OwnerID == ownerID && t.Active() {
			out = append(out, t.Clone())
		}
	}
	sortThreads(out)
	return out, nil
}

// ListOwners implements store.Store.
func (s *Store) ListOwners(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.threads {
		if t.Active() && !seen[t.OwnerID] {
			seen[t.OwnerID] = true
			out = append(out, t.OwnerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListSilenceCandidates implements store.Store.
func (s *Store) ListSilenceCandidates(_ context.Context, cutoff time.Time, limit int) ([]*negotiation.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*negotiation.Thread
	for _, t := range s.threads {
		if !t.Stage.AwaitsCounterparty() || !t.LastActionAt.Before(cutoff) {
			continue
		}
		if t.RepliedSinceAction() {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActionAt.Before(out[j].LastActionAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Commit implements store.Store. Validation runs before any write so a
// rejected commit leaves the store untouched.
func (s *Store) Commit(_ context.Context, c *store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[c.ThreadID]
	if !ok {
		return fmt.Errorf("thread %s: %w", c.ThreadID, store.ErrNotFound)
	}
	if t.Version != c.ExpectedVersion || t.Stage != c.ExpectedStage {
		return fmt.Errorf("thread %s at %s v%d, expected %s v%d: %w",
			t.ID, t.Stage, t.Version, c.ExpectedStage, c.ExpectedVersion, store.ErrStaleTransition)
	}
	if c.ClaimInflight != "" && t.InflightActionID != "" {
		return fmt.Errorf("thread %s holds %s: %w", t.ID, t.InflightActionID, store.ErrSingleFlight)
	}
	if u := c.UpdatedAction; u != nil {
		cur, ok := s.actions[u.ID]
		if !ok {
			return fmt.Errorf("action %s: %w", u.ID, store.ErrNotFound)
		}
		if cur.Status != negotiation.ActionProposed {
			return fmt.Errorf("action %s is %s: %w", u.ID, cur.Status, store.ErrStaleTransition)
		}
	}
	if c.Update.Reopen {
		if id, taken := s.active[activeKey(t.OwnerID, t.Counterparty)]; taken && id != t.ID {
			return fmt.Errorf("reopen %s: counterparty has active thread %s: %w", t.ID, id, store.ErrStaleTransition)
		}
	}

	s.applyThread(t, c)

	if c.Message != nil {
		s.messages[t.ID] = append(s.messages[t.ID], *c.Message)
	}
	if c.Draft != nil {
		s.drafts[t.ID] = append(s.drafts[t.ID], c.Draft.Clone())
	}
	if c.Strategy != nil {
		for _, st := range s.strategies[t.ID] {
			if st.Current {
				st.Current = false
				at := c.Now
				st.SupersededAt = &at
			}
		}
		st := *c.Strategy
		st.Current = true
		s.strategies[t.ID] = append(s.strategies[t.ID], &st)
	}
	s.sims[t.ID] = append(s.sims[t.ID], c.Simulations...)
	if c.NewAction != nil {
		s.actions[c.NewAction.ID] = c.NewAction.Clone()
	}
	if u := c.UpdatedAction; u != nil {
		cur := s.actions[u.ID]
		cur.Status = u.Status
		cur.GateOutcome = u.GateOutcome
		cur.GateReason = u.GateReason
		cur.DecidedBy = u.DecidedBy
		cur.DecidedAt = u.Clone().DecidedAt
	}
	for i := range c.Outbox {
		job := c.Outbox[i]
		s.outbox = append(s.outbox, &job)
	}
	if c.Entry != nil {
		e := *c.Entry
		s.entries = append(s.entries, &e)
	}
	return nil
}

func (s *Store) applyThread(t *negotiation.Thread, c *store.Commit) {
	u := c.Update
	wasActive := t.Active()

	t.Stage = u.Stage
	t.PriorStage = u.PriorStage
	if u.LastActionAt != nil {
		t.LastActionAt = *u.LastActionAt
	}
	if u.LastInboundAt != nil {
		t.LastInboundAt = *u.LastInboundAt
	}
	if u.FollowUpCount != nil {
		t.FollowUpCount = *u.FollowUpCount
	}
	if u.ClosedAt != nil {
		at := *u.ClosedAt
		t.ClosedAt = &at
	}
	if u.Reopen {
		t.ClosedAt = nil
	}
	if c.ClaimInflight != "" {
		t.InflightActionID = c.ClaimInflight
	}
	t.Version++
	if u.LastInboundAt != nil {
		t.InboundVersion = t.Version
	}
	if u.LastActionAt != nil {
		t.ActionVersion = t.Version
	}
	t.UpdatedAt = c.Now

	key := activeKey(t.OwnerID, t.Counterparty)
	switch {
	case wasActive && !t.Active():
		delete(s.active, key)
	case !wasActive && t.Active():
		s.active[key] = t.ID
	}
}

// GetAction implements store.Store.
func (s *Store) GetAction(_ context.Context, id string) (*negotiation.ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", id, store.ErrNotFound)
	}
	return a.Clone(), nil
}

// ListActions implements store.Store.
func (s *Store) ListActions(_ context.Context, f store.ActionFilter) ([]*negotiation.ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionsLocked(f), nil
}

func (s *Store) actionsLocked(f store.ActionFilter) []*negotiation.ActionRequest {
	var out []*negotiation.ActionRequest
	for _, a := range s.actions {
		if f.OwnerID != "" && a.OwnerID != f.OwnerID {
			continue
		}
		if f.ThreadID != "" && a.ThreadID != f.ThreadID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// MarkExecuted implements store.Store.
func (s *Store) MarkExecuted(_ context.Context, actionID string, at time.Time) (*negotiation.ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[actionID]
	if !ok {
		return nil, fmt.Errorf("action %s: %w", actionID, store.ErrNotFound)
	}
	if a.Status != negotiation.ActionApproved {
		return nil, fmt.Errorf("action %s is %s: %w", actionID, a.Status, store.ErrActionNotApproved)
	}
	a.Status = negotiation.ActionExecuted
	executed := at
	a.ExecutedAt = &executed

	if t, ok := s.threads[a.ThreadID]; ok {
		if t.InflightActionID == a.ID {
			t.InflightActionID = ""
		}
		if t.Stage == negotiation.StageApproved {
			t.Stage = negotiation.StageSent
		}
		t.LastActionAt = at
		t.Version++
		t.ActionVersion = t.Version
		t.UpdatedAt = at
	}
	if a.Kind == negotiation.ActionSendContract {
		if drafts := s.drafts[a.ThreadID]; len(drafts) > 0 {
			drafts[len(drafts)-1].Locked = true
		}
	}
	return a.Clone(), nil
}

// ListStuckActions implements store.Store.
func (s *Store) ListStuckActions(_ context.Context, approvedBefore time.Time, limit int) ([]*negotiation.ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*negotiation.ActionRequest
	for _, a := range s.actionsLocked(store.ActionFilter{Status: negotiation.ActionApproved}) {
		if a.DecidedAt != nil && a.DecidedAt.Before(approvedBefore) {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PendingOutbox implements store.Store.
func (s *Store) PendingOutbox(_ context.Context, limit int) ([]store.OutboxJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.OutboxJob
	for _, job := range s.outbox {
		if job.DispatchedAt != nil {
			continue
		}
		out = append(out, *job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkOutboxDispatched implements store.Store.
func (s *Store) MarkOutboxDispatched(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, job := range s.outbox {
		if want[job.ID] && job.DispatchedAt == nil {
			dispatched := at
			job.DispatchedAt = &dispatched
		}
	}
	return nil
}

// AppendEntry implements ledger.Repository.
func (s *Store) AppendEntry(_ context.Context, e *ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *e
	s.entries = append(s.entries, &c)
	return nil
}

// FindSuccess implements ledger.Repository.
func (s *Store) FindSuccess(_ context.Context, key string) (*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.IdempotencyKey == key && e.Outcome == ledger.OutcomeSuccess {
			c := *e
			return &c, nil
		}
	}
	return nil, nil
}

// ListEntries implements ledger.Repository.
func (s *Store) ListEntries(_ context.Context, threadID string) ([]*ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ledger.Entry
	for _, e := range s.entries {
		if threadID == "" || e.ThreadID == threadID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// SaveConflictReport implements store.Store.
func (s *Store) SaveConflictReport(_ context.Context, r *conflict.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	c.Conflicts = append([]conflict.Conflict(nil), r.Conflicts...)
	s.reports[r.OwnerID] = append(s.reports[r.OwnerID], &c)
	return nil
}

// LatestConflictReport implements store.Store.
func (s *Store) LatestConflictReport(_ context.Context, ownerID string) (*conflict.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := s.reports[ownerID]
	if len(reports) == 0 {
		return nil, fmt.Errorf("conflict report for %s: %w", ownerID, store.ErrNotFound)
	}
	c := *reports[len(reports)-1]
	return &c, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func sortThreads(ts []*negotiation.Thread) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// EnsureThread implements store.Store. Concurrent creators race on the
// active-slot unique index; the loser re-reads the winner's row.
func (s *Store) EnsureThread(ctx context.Context, nt store.NewThread) (*negotiation.Thread, bool, error) {
	key := negotiation.NormalizeCounterparty(nt.Counterparty)
	db := s.db.WithContext(ctx)

	existing, err := findActive(db, nt.OwnerID, key)
	if err == nil {
		return existing.toDomain(), false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("find active thread: %w", err)
	}

	id := nt.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := nt.Now.UTC()
	row := &threadRow{
		ID:               id,
		OwnerID:          nt.OwnerID,
		CounterpartyKey:  key,
		ActiveSlot:       activeSlot,
		Counterparty:     nt.Counterparty,
		Stage:            negotiation.StageNew,
		AutopilotEnabled: nt.Autopilot,
		LastActionAt:     now,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.Create(row).Error; err != nil {
		if winner, findErr := findActive(db, nt.OwnerID, key); findErr == nil {
			s.logger.Debug("thread creation lost race", zap.String("thread.id", winner.ID))
			return winner.toDomain(), false, nil
		}
		return nil, false, fmt.Errorf("create thread: %w", err)
	}
	return row.toDomain(), true, nil
}

func findActive(db *gorm.DB, ownerID, counterpartyKey string) (*threadRow, error) {
	var row threadRow
	err := db.Where("owner_id = ? AND counterparty_key = ? AND active_slot = ?", ownerID, counterpartyKey, activeSlot).
		Take(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetThread implements store.Store.
func (s *Store) GetThread(ctx context.Context, id string) (*negotiation.Thread, error) {
	var row threadRow
	if err := s.db.WithContext(ctx).Take(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "thread "+id)
	}
	return row.toDomain(), nil
}

// LoadSnapshot implements store.Store.
func (s *Store) LoadSnapshot(ctx context.Context, threadID string) (*negotiation.Snapshot, error) {
	db := s.db.WithContext(ctx)

	var tr threadRow
	if err := db.Take(&tr, "id = ?", threadID).Error; err != nil {
		return nil, notFound(err, "thread "+threadID)
	}
	snap := &negotiation.Snapshot{Thread: tr.toDomain()}

	var msgs []messageRow
	if err := db.Where("thread_id = ?", threadID).Order("received_at, id").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	for i := range msgs {
		snap.Messages = append(snap.Messages, msgs[i].toDomain())
	}

	var drafts []draftRow
	if err := db.Where("thread_id = ?", threadID).Order("version DESC").Limit(1).Find(&drafts).Error; err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if len(drafts) == 1 {
		d, err := drafts[0].toDomain()
		if err != nil {
			return nil, err
		}
		snap.Draft = d
	}

	var strategies []strategyRow
	if err := db.Where("thread_id = ? AND is_current = ?", threadID, true).Limit(1).Find(&strategies).Error; err != nil {
		return nil, fmt.Errorf("load strategy: %w", err)
	}
	if len(strategies) == 1 {
		st, err := strategies[0].toDomain()
		if err != nil {
			return nil, err
		}
		snap.Strategy = st

		var sims []simulationRow
		if err := db.Where("strategy_id = ?", st.ID).Order("sim_rank, id").Find(&sims).Error; err != nil {
			return nil, fmt.Errorf("load simulations: %w", err)
		}
		for i := range sims {
			snap.Simulations = append(snap.Simulations, sims[i].toDomain())
		}
	}

	actions, err := s.ListActions(ctx, store.ActionFilter{ThreadID: threadID})
	if err != nil {
		return nil, err
	}
	snap.Actions = actions
	return snap, nil
}

// ListActiveThreads implements store.Store.
func (s *Store) ListActiveThreads(ctx context.Context, ownerID string) ([]*negotiation.Thread, error) {
	var rows []threadRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND active_slot = ?", ownerID, activeSlot).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list active threads: %w", err)
	}
	return threadsToDomain(rows), nil
}

// ListOwners implements store.Store.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	var owners []string
	err := s.db.WithContext(ctx).Model(&threadRow{}).
		Where("active_slot = ?", activeSlot).
		Distinct("owner_id").
		Order("owner_id").
		Pluck("owner_id", &owners).Error
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	return owners, nil
}

// ListSilenceCandidates implements store.Store.
func (s *Store) ListSilenceCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*negotiation.Thread, error) {
	var excluded []string
	for _, st := range negotiation.AllStages() {
		if !st.AwaitsCounterparty() {
			excluded = append(excluded, string(st))
		}
	}
	q := s.db.WithContext(ctx).
		Where("stage NOT IN ?", excluded).
		Where("last_action_at < ?", cutoff.UTC()).
		Where("inbound_version <= action_version").
		Order("last_action_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []threadRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list silence candidates: %w", err)
	}
	return threadsToDomain(rows), nil
}

func threadsToDomain(rows []threadRow) []*negotiation.Thread {
	out := make([]*negotiation.Thread, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}

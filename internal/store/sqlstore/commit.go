package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// Commit implements store.Store. Everything runs in one transaction; any
// error rolls the whole commit back.
func (s *Store) Commit(ctx context.Context, c *store.Commit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.Update.Reopen {
			if err := checkReopen(tx, c.ThreadID); err != nil {
				return err
			}
		}

		res := tx.Model(&threadRow{}).
			Where("id = ? AND version = ? AND stage = ?", c.ThreadID, c.ExpectedVersion, string(c.ExpectedStage)).
			Updates(threadUpdates(c))
		if res.Error != nil {
			return fmt.Errorf("update thread: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var cur threadRow
			if err := tx.Take(&cur, "id = ?", c.ThreadID).Error; err != nil {
				return notFound(err, "thread "+c.ThreadID)
			}
			return fmt.Errorf("thread %s at %s v%d, expected %s v%d: %w",
				cur.ID, cur.Stage, cur.Version, c.ExpectedStage, c.ExpectedVersion, store.ErrStaleTransition)
		}

		if c.ClaimInflight != "" {
			res = tx.Model(&threadRow{}).
				Where("id = ? AND inflight_action_id = ?", c.ThreadID, "").
				Update("inflight_action_id", c.ClaimInflight)
			if res.Error != nil {
				return fmt.Errorf("claim in-flight action: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("thread %s: %w", c.ThreadID, store.ErrSingleFlight)
			}
		}

		if err := writeChildren(tx, c); err != nil {
			return err
		}
		return nil
	})
}

func checkReopen(tx *gorm.DB, threadID string) error {
	var cur threadRow
	if err := tx.Take(&cur, "id = ?", threadID).Error; err != nil {
		return notFound(err, "thread "+threadID)
	}
	other, err := findActive(tx, cur.OwnerID, cur.CounterpartyKey)
	if err == nil && other.ID != cur.ID {
		return fmt.Errorf("reopen %s: counterparty has active thread %s: %w", cur.ID, other.ID, store.ErrStaleTransition)
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("check active thread: %w", err)
	}
	return nil
}

// threadUpdates stamps inbound_version and action_version with the new
// version. gorm sorts map keys, so both are assigned before version and see
// its old value on MySQL as well as SQLite.
func threadUpdates(c *store.Commit) map[string]any {
	u := c.Update
	cols := map[string]any{
		"stage":       string(u.Stage),
		"prior_stage": string(u.PriorStage),
		"version":     gorm.Expr("version + 1"),
		"updated_at":  c.Now.UTC(),
	}
	if u.LastActionAt != nil {
		cols["last_action_at"] = u.LastActionAt.UTC()
		cols["action_version"] = gorm.Expr("version + 1")
	}
	if u.LastInboundAt != nil {
		cols["last_inbound_at"] = u.LastInboundAt.UTC()
		cols["inbound_version"] = gorm.Expr("version + 1")
	}
	if u.FollowUpCount != nil {
		cols["follow_up_count"] = *u.FollowUpCount
	}
	if u.ClosedAt != nil {
		cols["closed_at"] = u.ClosedAt.UTC()
	}
	switch {
	case u.Stage.Terminal():
		cols["active_slot"] = c.ThreadID
	case u.Reopen:
		cols["active_slot"] = activeSlot
		cols["closed_at"] = nil
	}
	return cols
}

func writeChildren(tx *gorm.DB, c *store.Commit) error {
	if c.Message != nil {
		if err := tx.Create(newMessageRow(c.Message)).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if c.Draft != nil {
		row, err := newDraftRow(c.Draft)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert draft: %w", err)
		}
	}
	if c.Strategy != nil {
		err := tx.Model(&strategyRow{}).
			Where("thread_id = ? AND is_current = ?", c.ThreadID, true).
			Updates(map[string]any{"is_current": false, "superseded_at": c.Now.UTC()}).Error
		if err != nil {
			return fmt.Errorf("supersede strategy: %w", err)
		}
		row, err := newStrategyRow(c.Strategy)
		if err != nil {
			return err
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("insert strategy: %w", err)
		}
	}
	if len(c.Simulations) > 0 {
		rows := make([]simulationRow, 0, len(c.Simulations))
		for _, sim := range c.Simulations {
			rows = append(rows, newSimulationRow(sim))
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert simulations: %w", err)
		}
	}
	if c.NewAction != nil {
		if err := tx.Create(newActionRow(c.NewAction)).Error; err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}
	if a := c.UpdatedAction; a != nil {
		if err := decideAction(tx, a); err != nil {
			return err
		}
	}
	for i := range c.Outbox {
		if err := tx.Create(newOutboxRow(&c.Outbox[i])).Error; err != nil {
			return fmt.Errorf("insert outbox job: %w", err)
		}
	}
	if c.Entry != nil {
		if err := tx.Create(newEntryRow(c.Entry)).Error; err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
	}
	return nil
}

// decideAction writes an operator decision, but only over a still-proposed
// action.
func decideAction(tx *gorm.DB, a *negotiation.ActionRequest) error {
	res := tx.Model(&actionRow{}).
		Where("id = ? AND status = ?", a.ID, string(negotiation.ActionProposed)).
		Updates(map[string]any{
			"status":       string(a.Status),
			"gate_outcome": a.GateOutcome,
			"gate_reason":  a.GateReason,
			"decided_by":   a.DecidedBy,
			"decided_at":   utcPtr(a.DecidedAt),
		})
	if res.Error != nil {
		return fmt.Errorf("update action: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		var cur actionRow
		if err := tx.Take(&cur, "id = ?", a.ID).Error; err != nil {
			return notFound(err, "action "+a.ID)
		}
		return fmt.Errorf("action %s is %s: %w", a.ID, cur.Status, store.ErrStaleTransition)
	}
	return nil
}

package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fyrsmithlabs/dealflow/internal/negotiation"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// GetAction implements store.Store.
func (s *Store) GetAction(ctx context.Context, id string) (*negotiation.ActionRequest, error) {
	var row actionRow
	if err := s.db.WithContext(ctx).Take(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "action "+id)
	}
	return row.toDomain(), nil
}

// ListActions implements store.Store.
func (s *Store) ListActions(ctx context.Context, f store.ActionFilter) ([]*negotiation.ActionRequest, error) {
	q := s.db.WithContext(ctx).Model(&actionRow{})
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.ThreadID != "" {
		q = q.Where("thread_id = ?", f.ThreadID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var rows []actionRow
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	out := make([]*negotiation.ActionRequest, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// MarkExecuted implements store.Store.
func (s *Store) MarkExecuted(ctx context.Context, actionID string, at time.Time) (*negotiation.ActionRequest, error) {
	at = at.UTC()
	var out *negotiation.ActionRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row actionRow
		if err := tx.Take(&row, "id = ?", actionID).Error; err != nil {
			return notFound(err, "action "+actionID)
		}
		res := tx.Model(&actionRow{}).
			Where("id = ? AND status = ?", actionID, string(negotiation.ActionApproved)).
			Updates(map[string]any{"status": string(negotiation.ActionExecuted), "executed_at": at})
		if res.Error != nil {
			return fmt.Errorf("update action: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("action %s is %s: %w", actionID, row.Status, store.ErrActionNotApproved)
		}

		if err := tx.Model(&threadRow{}).
			Where("id = ? AND inflight_action_id = ?", row.ThreadID, actionID).
			Update("inflight_action_id", "").Error; err != nil {
			return fmt.Errorf("release in-flight action: %w", err)
		}
		if err := tx.Model(&threadRow{}).
			Where("id = ? AND stage = ?", row.ThreadID, string(negotiation.StageApproved)).
			Update("stage", string(negotiation.StageSent)).Error; err != nil {
			return fmt.Errorf("advance thread: %w", err)
		}
		if err := tx.Model(&threadRow{}).
			Where("id = ?", row.ThreadID).
			Updates(map[string]any{
				"last_action_at": at,
				"action_version": gorm.Expr("version + 1"),
				"updated_at":     at,
				"version":        gorm.Expr("version + 1"),
			}).Error; err != nil {
			return fmt.Errorf("touch thread: %w", err)
		}

		if row.Kind == negotiation.ActionSendContract {
			if err := lockLatestDraft(tx, row.ThreadID); err != nil {
				return err
			}
		}

		row.Status = negotiation.ActionExecuted
		row.ExecutedAt = &at
		out = row.toDomain()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func lockLatestDraft(tx *gorm.DB, threadID string) error {
	var drafts []draftRow
	if err := tx.Where("thread_id = ?", threadID).Order("version DESC").Limit(1).Find(&drafts).Error; err != nil {
		return fmt.Errorf("load draft: %w", err)
	}
	if len(drafts) == 0 {
		return nil
	}
	if err := tx.Model(&draftRow{}).Where("id = ?", drafts[0].ID).Update("locked", true).Error; err != nil {
		return fmt.Errorf("lock draft: %w", err)
	}
	return nil
}

// ListStuckActions implements store.Store.
func (s *Store) ListStuckActions(ctx context.Context, approvedBefore time.Time, limit int) ([]*negotiation.ActionRequest, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND decided_at < ?", string(negotiation.ActionApproved), approvedBefore.UTC()).
		Order("decided_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []actionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list stuck actions: %w", err)
	}
	out := make([]*negotiation.ActionRequest, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

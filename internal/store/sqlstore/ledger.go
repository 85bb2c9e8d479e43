package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dealflow/internal/conflict"
	"github.com/fyrsmithlabs/dealflow/internal/ledger"
	"github.com/fyrsmithlabs/dealflow/internal/store"
)

// AppendEntry implements ledger.Repository.
func (s *Store) AppendEntry(ctx context.Context, e *ledger.Entry) error {
	if err := s.db.WithContext(ctx).Create(newEntryRow(e)).Error; err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// FindSuccess implements ledger.Repository.
func (s *Store) FindSuccess(ctx context.Context, key string) (*ledger.Entry, error) {
	var rows []entryRow
	err := s.db.WithContext(ctx).
		Where("idempotency_key = ? AND outcome = ?", key, string(ledger.OutcomeSuccess)).
		Order("created_at, id").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0].toDomain(), nil
}

// ListEntries implements ledger.Repository.
func (s *Store) ListEntries(ctx context.Context, threadID string) ([]*ledger.Entry, error) {
	q := s.db.WithContext(ctx).Order("created_at, id")
	if threadID != "" {
		q = q.Where("thread_id = ?", threadID)
	}
	var rows []entryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	out := make([]*ledger.Entry, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// PendingOutbox implements store.Store.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]store.OutboxJob, error) {
	q := s.db.WithContext(ctx).Where("dispatched_at IS NULL").Order("created_at, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []outboxRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	out := make([]store.OutboxJob, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// MarkOutboxDispatched implements store.Store.
func (s *Store) MarkOutboxDispatched(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("id IN ? AND dispatched_at IS NULL", ids).
		Update("dispatched_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	return nil
}

// SaveConflictReport implements store.Store.
func (s *Store) SaveConflictReport(ctx context.Context, r *conflict.Report) error {
	row, err := newConflictReportRow(r)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("insert conflict report: %w", err)
	}
	return nil
}

// LatestConflictReport implements store.Store.
func (s *Store) LatestConflictReport(ctx context.Context, ownerID string) (*conflict.Report, error) {
	var row conflictReportRow
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("generated_at DESC, id DESC").
		Take(&row).Error
	if err != nil {
		return nil, notFound(err, "conflict report for "+ownerID)
	}
	return row.toDomain()
}

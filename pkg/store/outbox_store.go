package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ClaimOutbox leases up to limit unprocessed events to workerID. Leases
// older than staleBefore are considered abandoned and may be reclaimed.
func (s *GormStore) ClaimOutbox(ctx context.Context, workerID string, limit int, staleBefore time.Time) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	var claimed []OutboxModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("processed = ?", false).
			Where("(locked_at IS NULL OR locked_at <= ?)", staleBefore).
			Order("created_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		ids := make([]string, 0, len(claimed))
		for i := range claimed {
			ids = append(ids, claimed[i].ID)
			claimed[i].Attempts++
		}
		return tx.Model(&OutboxModel{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"locked_at": now,
				"locked_by": workerID,
				"attempts":  gorm.Expr("attempts + 1"),
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox: %w", classify(err))
	}
	out := make([]OutboxEvent, 0, len(claimed))
	for _, m := range claimed {
		out = append(out, outboxFromModel(m))
	}
	return out, nil
}

// MarkOutboxProcessed releases the lease and marks the event done.
func (s *GormStore) MarkOutboxProcessed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Model(&OutboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":    true,
			"processed_at": now,
			"locked_at":    nil,
			"locked_by":    nil,
			"last_error":   nil,
		}).Error
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", classify(err))
	}
	return nil
}

// MarkOutboxFailed releases the lease and records why relaying failed.
func (s *GormStore) MarkOutboxFailed(ctx context.Context, id string, cause string) error {
	err := s.db.WithContext(ctx).Model(&OutboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_error": cause,
			"locked_at":  nil,
			"locked_by":  nil,
		}).Error
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", classify(err))
	}
	return nil
}

func outboxToModel(e OutboxEvent) OutboxModel {
	return OutboxModel{
		ID:        e.ID,
		ReportID:  e.ReportID,
		Kind:      e.Kind,
		Payload:   datatypes.JSON(e.Payload),
		Attempts:  e.Attempts,
		CreatedAt: e.CreatedAt,
	}
}

func outboxFromModel(m OutboxModel) OutboxEvent {
	return OutboxEvent{
		ID:        m.ID,
		ReportID:  m.ReportID,
		Kind:      m.Kind,
		Payload:   []byte(m.Payload),
		Attempts:  m.Attempts,
		CreatedAt: m.CreatedAt,
	}
}

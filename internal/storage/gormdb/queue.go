package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dm-agent/internal/models"
)

// Work queue operations

func (r *Repository) Enqueue(ctx context.Context, item *models.WorkItem) (bool, error) {
	if item.Status == "" {
		item.Status = models.WorkPending
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedupe_key"}},
			DoNothing: true,
		}).
		Create(item)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Claim claims each candidate with a conditional update that refuses when the
// trigger already has a claimed item. The partial unique index created by
// Migrate backs the same rule when two instances race.
func (r *Repository) Claim(ctx context.Context, now time.Time, limit int) ([]*models.WorkItem, error) {
	if limit <= 0 {
		limit = 1
	}

	var candidates []*models.WorkItem
	if err := r.db.WithContext(ctx).
		Where("status = ? AND available_at <= ?", models.WorkPending, now).
		Order("priority ASC").
		Order("available_at ASC").
		Order("id ASC").
		Limit(limit * 4).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]*models.WorkItem, 0, limit)
	seen := make(map[uint]bool)
	for _, item := range candidates {
		if len(claimed) >= limit {
			break
		}
		if seen[item.TriggerID] {
			continue
		}

		res := r.db.WithContext(ctx).Model(&models.WorkItem{}).
			Where("id = ? AND status = ?", item.ID, models.WorkPending).
			Where("NOT EXISTS (SELECT 1 FROM work_items AS other WHERE other.trigger_id = ? AND other.status = ?)",
				item.TriggerID, models.WorkClaimed).
			Updates(map[string]interface{}{
				"status":     models.WorkClaimed,
				"claimed_at": now,
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				seen[item.TriggerID] = true
				continue
			}
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		seen[item.TriggerID] = true
		item.Status = models.WorkClaimed
		item.ClaimedAt = &now
		item.Attempts++
		claimed = append(claimed, item)
	}
	return claimed, nil
}

func (r *Repository) CompleteWork(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.WorkDone, "last_error": ""}).Error
}

// ReleaseWork returns a claimed item to the queue, available again at availableAt.
func (r *Repository) ReleaseWork(ctx context.Context, id uint, availableAt time.Time, reason string) error {
	return r.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       models.WorkPending,
			"available_at": availableAt,
			"claimed_at":   nil,
			"last_error":   reason,
		}).Error
}

func (r *Repository) FailWork(ctx context.Context, id uint, reason string) error {
	return r.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.WorkFailed, "last_error": reason}).Error
}

// ReclaimStale releases items whose worker vanished mid-claim.
func (r *Repository) ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.WorkItem{}).
		Where("status = ? AND claimed_at < ?", models.WorkClaimed, claimedBefore).
		Updates(map[string]interface{}{
			"status":     models.WorkPending,
			"claimed_at": nil,
			"last_error": "claim expired",
		})
	return res.RowsAffected, res.Error
}

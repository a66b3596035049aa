package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/ratelimit"
)

// CounterStore keeps the send counters on the campaign row. The row is
// locked for the read-check-write so concurrent senders serialize on it.
type CounterStore struct {
	db *gorm.DB
}

var _ ratelimit.CounterStore = (*CounterStore)(nil)

// NewCounterStore creates a counter store over db.
func NewCounterStore(db *gorm.DB) *CounterStore {
	return &CounterStore{db: db}
}

// TryIncrement implements ratelimit.CounterStore.
func (s *CounterStore) TryIncrement(ctx context.Context, limits ratelimit.Limits, now time.Time) (ratelimit.Decision, error) {
	var decision ratelimit.Decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c models.Campaign
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "hourly_count", "daily_count", "hour_reset_at", "day_reset_at").
			First(&c, limits.CampaignID).Error; err != nil {
			return translate(err)
		}

		w := ratelimit.Window{
			HourlyCount: c.HourlyCount,
			DailyCount:  c.DailyCount,
			HourResetAt: c.HourResetAt,
			DayResetAt:  c.DayResetAt,
		}
		w.Roll(now.UTC())
		decision = w.Take(limits)

		return tx.Model(&models.Campaign{}).
			Where("id = ?", c.ID).
			UpdateColumns(map[string]interface{}{
				"hourly_count":  w.HourlyCount,
				"daily_count":   w.DailyCount,
				"hour_reset_at": w.HourResetAt,
				"day_reset_at":  w.DayResetAt,
			}).Error
	})
	return decision, err
}

package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
)

// Trigger operations

func (r *Repository) InsertTriggerIfAbsent(ctx context.Context, trigger *models.Trigger) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(trigger)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) GetTriggerByID(ctx context.Context, id uint) (*models.Trigger, error) {
	var trigger models.Trigger
	if err := r.db.WithContext(ctx).First(&trigger, id).Error; err != nil {
		return nil, translate(err)
	}
	return &trigger, nil
}

func (r *Repository) GetTriggerBySource(ctx context.Context, campaignID uint, sourceID string, triggerType models.TriggerType) (*models.Trigger, error) {
	var trigger models.Trigger
	if err := r.db.WithContext(ctx).
		Where("campaign_id = ? AND source_id = ? AND type = ?", campaignID, sourceID, triggerType).
		First(&trigger).Error; err != nil {
		return nil, translate(err)
	}
	return &trigger, nil
}

func (r *Repository) ListTriggers(ctx context.Context, filter storage.TriggerFilter) ([]*models.Trigger, error) {
	var triggers []*models.Trigger
	query := r.db.WithContext(ctx).Model(&models.Trigger{})

	if filter.CampaignID != nil {
		query = query.Where("campaign_id = ?", *filter.CampaignID)
	}
	if filter.AccountID != nil {
		query = query.Where("account_id = ?", *filter.AccountID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.ActorID != "" {
		query = query.Where("actor_id = ?", filter.ActorID)
	}

	// Ordering
	orderCol := "created_at"
	switch filter.OrderBy {
	case "updated_at", "id":
		orderCol = filter.OrderBy
	}
	if filter.OrderDesc {
		query = query.Order(orderCol + " DESC")
	} else {
		query = query.Order(orderCol + " ASC")
	}

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&triggers).Error; err != nil {
		return nil, err
	}
	return triggers, nil
}

func (r *Repository) FindAwaitingTrigger(ctx context.Context, accountID uint, actorID string) (*models.Trigger, error) {
	var trigger models.Trigger
	if err := r.db.WithContext(ctx).
		Where("account_id = ? AND actor_id = ? AND status = ?", accountID, actorID, models.TriggerProcessing).
		Where("awaiting IN ?", []models.AwaitState{models.AwaitButton, models.AwaitCapture}).
		Order("updated_at DESC").
		Order("id DESC").
		First(&trigger).Error; err != nil {
		return nil, translate(err)
	}
	return &trigger, nil
}

func (r *Repository) ListDueTriggers(ctx context.Context, now time.Time, limit int) ([]*models.Trigger, error) {
	var triggers []*models.Trigger
	query := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.TriggerProcessing, now).
		Order("next_retry_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&triggers).Error; err != nil {
		return nil, err
	}
	return triggers, nil
}

func (r *Repository) UpdateTrigger(ctx context.Context, trigger *models.Trigger) error {
	return r.db.WithContext(ctx).Save(trigger).Error
}

func (r *Repository) SaveStep(ctx context.Context, trigger *models.Trigger, messages []*models.OutboundMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(trigger).Error; err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "intent_key"}},
			DoNothing: true,
		}).Create(&messages).Error
	})
}

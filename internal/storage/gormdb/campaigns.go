package gormdb

import (
	"context"

	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
)

// Campaign operations

func (r *Repository) CreateCampaign(ctx context.Context, campaign *models.Campaign) error {
	return r.db.WithContext(ctx).Create(campaign).Error
}

func (r *Repository) GetCampaignByID(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := r.db.WithContext(ctx).First(&campaign, id).Error; err != nil {
		return nil, translate(err)
	}
	return &campaign, nil
}

func (r *Repository) ListCampaigns(ctx context.Context, filter storage.CampaignFilter) ([]*models.Campaign, error) {
	var campaigns []*models.Campaign
	query := r.db.WithContext(ctx).Model(&models.Campaign{})

	if filter.AccountID != nil {
		query = query.Where("account_id = ?", *filter.AccountID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.TriggerType != nil {
		query = query.Where("trigger_type = ?", *filter.TriggerType)
	}

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Order("id ASC").Find(&campaigns).Error; err != nil {
		return nil, err
	}
	return campaigns, nil
}

// UpdateCampaign saves the campaign definition. Send counters are owned by
// CounterStore and are not written here.
func (r *Repository) UpdateCampaign(ctx context.Context, campaign *models.Campaign) error {
	return r.db.WithContext(ctx).
		Omit("hourly_count", "daily_count", "hour_reset_at", "day_reset_at").
		Save(campaign).Error
}

// Flow operations

func (r *Repository) CreateFlow(ctx context.Context, flow *models.Flow) error {
	return r.db.WithContext(ctx).Create(flow).Error
}

func (r *Repository) GetFlowByID(ctx context.Context, id uint) (*models.Flow, error) {
	var flow models.Flow
	if err := r.db.WithContext(ctx).First(&flow, id).Error; err != nil {
		return nil, translate(err)
	}
	return &flow, nil
}

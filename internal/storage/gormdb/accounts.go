package gormdb

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
)

// SaveAccount upserts by platform user id.
func (r *Repository) SaveAccount(ctx context.Context, account *models.Account) error {
	var existing models.Account
	if err := r.db.WithContext(ctx).Where("platform_user_id = ?", account.PlatformUserID).First(&existing).Error; err == nil {
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	}
	return r.db.WithContext(ctx).Save(account).Error
}

func (r *Repository) GetAccountByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (r *Repository) GetAccountByPlatformID(ctx context.Context, platformUserID string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("platform_user_id = ?", platformUserID).First(&account).Error; err != nil {
		return nil, translate(err)
	}
	return &account, nil
}

func (r *Repository) ListAccounts(ctx context.Context, filter storage.AccountFilter) ([]*models.Account, error) {
	var accounts []*models.Account
	query := r.db.WithContext(ctx).Model(&models.Account{})

	if filter.PollEnabled != nil {
		query = query.Where("poll_enabled = ?", *filter.PollEnabled)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	if err := query.Order("id ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *Repository) MarkAccountReconnect(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Update("needs_reconnect", true).Error
}

func (r *Repository) SetAccountPolledAt(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Update("last_polled_at", at).Error
}

func (r *Repository) RecordFollower(ctx context.Context, accountID uint, actorID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.SeenFollower{AccountID: accountID, ActorID: actorID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

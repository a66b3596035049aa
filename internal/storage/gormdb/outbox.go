package gormdb

import (
	"context"
	"time"

	"github.com/dm-agent/internal/models"
)

// Outbox operations

func (r *Repository) ListQueuedMessages(ctx context.Context, triggerID uint) ([]*models.OutboundMessage, error) {
	var messages []*models.OutboundMessage
	if err := r.db.WithContext(ctx).
		Where("trigger_id = ? AND status = ?", triggerID, models.MessageQueued).
		Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *Repository) ListMessages(ctx context.Context, triggerID uint) ([]*models.OutboundMessage, error) {
	var messages []*models.OutboundMessage
	if err := r.db.WithContext(ctx).
		Where("trigger_id = ?", triggerID).
		Order("id ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *Repository) UpdateMessage(ctx context.Context, message *models.OutboundMessage) error {
	return r.db.WithContext(ctx).Save(message).Error
}

// MarkDelivered moves SENT messages with the given platform ids to DELIVERED.
func (r *Repository) MarkDelivered(ctx context.Context, platformMessageIDs []string, at time.Time) (int64, error) {
	if len(platformMessageIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Model(&models.OutboundMessage{}).
		Where("platform_message_id IN ? AND status = ?", platformMessageIDs, models.MessageSent).
		Updates(map[string]interface{}{
			"status":       models.MessageDelivered,
			"delivered_at": at,
		})
	return res.RowsAffected, res.Error
}

// Package dedup creates at most one trigger per campaign and upstream event.
package dedup

import (
	"context"
	"fmt"

	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/pkg/logger"
)

// Result is the outcome of CreateTriggerIfNew.
type Result struct {
	Trigger *models.Trigger
	Created bool
}

// Deduplicator turns (campaign, event) pairs into trigger rows.
type Deduplicator struct {
	repo storage.Repository
	log  *logger.Logger
}

// New creates a deduplicator.
func New(repo storage.Repository, log *logger.Logger) *Deduplicator {
	return &Deduplicator{repo: repo, log: log.WithComponent("dedup")}
}

// CreateTriggerIfNew inserts a PENDING trigger unless one already exists for
// the same (campaign, source id, type). On conflict the existing row is
// returned with Created false. Events without a source id always create.
func (d *Deduplicator) CreateTriggerIfNew(ctx context.Context, campaign *models.Campaign, event *models.Event) (*Result, error) {
	if campaign == nil || event == nil {
		return nil, failure.Validation("campaign and event are required")
	}

	trigger := FromEvent(campaign, event)

	created, err := d.repo.InsertTriggerIfAbsent(ctx, trigger)
	if err != nil {
		return nil, fmt.Errorf("insert trigger: %w", err)
	}
	if created {
		return &Result{Trigger: trigger, Created: true}, nil
	}

	existing, err := d.repo.GetTriggerBySource(ctx, campaign.ID, event.SourceID, event.Type)
	if err != nil {
		return nil, fmt.Errorf("load existing trigger: %w", err)
	}

	d.log.Debug().
		Uint("campaign_id", campaign.ID).
		Uint("trigger_id", existing.ID).
		Str("source_id", event.SourceID).
		Msg("Duplicate event ignored")

	return &Result{Trigger: existing, Created: false}, nil
}

// FromEvent builds the unsaved trigger for a matched event.
func FromEvent(campaign *models.Campaign, event *models.Event) *models.Trigger {
	t := &models.Trigger{
		CampaignID:    campaign.ID,
		AccountID:     campaign.AccountID,
		Type:          event.Type,
		ActorID:       event.ActorID,
		ActorName:     event.ActorName,
		ActorUsername: event.ActorUsername,
		SourceText:    event.Body,
		PostID:        event.PostID,
		Status:        models.TriggerPending,
		FlowState:     models.StringMap{},
	}
	if event.HasSourceID() {
		source := event.SourceID
		t.SourceID = &source
	}
	return t
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dm-agent/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence
type Repository interface {
	// Account operations
	SaveAccount(ctx context.Context, account *models.Account) error
	GetAccountByID(ctx context.Context, id uint) (*models.Account, error)
	GetAccountByPlatformID(ctx context.Context, platformUserID string) (*models.Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*models.Account, error)
	MarkAccountReconnect(ctx context.Context, id uint) error
	SetAccountPolledAt(ctx context.Context, id uint, at time.Time) error
	// RecordFollower returns true the first time actorID is seen for the account.
	RecordFollower(ctx context.Context, accountID uint, actorID string) (bool, error)

	// Campaign operations
	CreateCampaign(ctx context.Context, campaign *models.Campaign) error
	GetCampaignByID(ctx context.Context, id uint) (*models.Campaign, error)
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*models.Campaign, error)
	UpdateCampaign(ctx context.Context, campaign *models.Campaign) error

	// Flow operations
	CreateFlow(ctx context.Context, flow *models.Flow) error
	GetFlowByID(ctx context.Context, id uint) (*models.Flow, error)

	// Trigger operations
	// InsertTriggerIfAbsent inserts unless a row with the same
	// (campaign, source id, type) exists. It reports whether a row was created.
	InsertTriggerIfAbsent(ctx context.Context, trigger *models.Trigger) (bool, error)
	GetTriggerByID(ctx context.Context, id uint) (*models.Trigger, error)
	GetTriggerBySource(ctx context.Context, campaignID uint, sourceID string, triggerType models.TriggerType) (*models.Trigger, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*models.Trigger, error)
	// FindAwaitingTrigger returns the most recently updated trigger of the
	// account waiting for a reply from actorID.
	FindAwaitingTrigger(ctx context.Context, accountID uint, actorID string) (*models.Trigger, error)
	// ListDueTriggers returns PROCESSING triggers whose resume time has passed.
	ListDueTriggers(ctx context.Context, now time.Time, limit int) ([]*models.Trigger, error)
	UpdateTrigger(ctx context.Context, trigger *models.Trigger) error
	// SaveStep persists the trigger state and the new outbox rows atomically.
	// Rows whose intent key already exists are left untouched.
	SaveStep(ctx context.Context, trigger *models.Trigger, messages []*models.OutboundMessage) error

	// Outbox operations
	ListQueuedMessages(ctx context.Context, triggerID uint) ([]*models.OutboundMessage, error)
	ListMessages(ctx context.Context, triggerID uint) ([]*models.OutboundMessage, error)
	UpdateMessage(ctx context.Context, message *models.OutboundMessage) error
	MarkDelivered(ctx context.Context, platformMessageIDs []string, at time.Time) (int64, error)

	// Work queue operations
	// Enqueue reports false when an item with the same dedupe key exists.
	Enqueue(ctx context.Context, item *models.WorkItem) (bool, error)
	// Claim takes up to limit available items, never two for the same trigger.
	Claim(ctx context.Context, now time.Time, limit int) ([]*models.WorkItem, error)
	CompleteWork(ctx context.Context, id uint) error
	ReleaseWork(ctx context.Context, id uint, availableAt time.Time, reason string) error
	FailWork(ctx context.Context, id uint, reason string) error
	ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error)

	// Maintenance
	Close() error
	Migrate() error
}

// AccountFilter defines filtering options for accounts
type AccountFilter struct {
	PollEnabled *bool
	Limit       int
}

// CampaignFilter defines filtering options for campaigns
type CampaignFilter struct {
	AccountID   *uint
	Status      *models.CampaignStatus
	TriggerType *models.TriggerType
	Limit       int
	Offset      int
}

// TriggerFilter defines filtering options for triggers
type TriggerFilter struct {
	CampaignID *uint
	AccountID  *uint
	Status     *models.TriggerStatus
	ActorID    string
	Limit      int
	Offset     int
	OrderBy    string // "created_at", "updated_at"
	OrderDesc  bool
}

// ActiveCampaigns returns a filter for ACTIVE campaigns of one account
func ActiveCampaigns(accountID uint) CampaignFilter {
	status := models.CampaignActive
	return CampaignFilter{AccountID: &accountID, Status: &status}
}

// DefaultTriggerFilter returns a filter with sensible defaults
func DefaultTriggerFilter() TriggerFilter {
	return TriggerFilter{
		Limit:     50,
		OrderBy:   "created_at",
		OrderDesc: true,
	}
}

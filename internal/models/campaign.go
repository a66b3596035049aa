package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TriggerType is the kind of upstream occurrence a campaign reacts to.
// Event types map 1:1 onto trigger types.
type TriggerType string

const (
	TriggerComment     TriggerType = "COMMENT"
	TriggerStoryReply  TriggerType = "STORY_REPLY"
	TriggerDMKeyword   TriggerType = "DM_KEYWORD"
	TriggerNewFollower TriggerType = "NEW_FOLLOWER"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerComment, TriggerStoryReply, TriggerDMKeyword, TriggerNewFollower:
		return true
	}
	return false
}

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignArchived  CampaignStatus = "ARCHIVED"
)

// TriggerConfig holds the keyword rules of a campaign.
type TriggerConfig struct {
	Keywords        []string `json:"keywords,omitempty"`
	CaseSensitive   bool     `json:"caseSensitive,omitempty"`
	MatchAll        bool     `json:"matchAll,omitempty"`
	PostID          string   `json:"postId,omitempty"`
	ExcludeKeywords []string `json:"excludeKeywords,omitempty"`
}

func (c TriggerConfig) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	return string(b), err
}

func (c *TriggerConfig) Scan(value interface{}) error {
	b, err := scanBytes(value)
	if err != nil {
		return err
	}
	*c = TriggerConfig{}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, c)
}

// Campaign binds a trigger rule on one account to a flow.
type Campaign struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	AccountID     uint           `gorm:"index;not null" json:"account_id"`
	Name          string         `gorm:"size:255" json:"name"`
	TriggerType   TriggerType    `gorm:"size:20;index;not null" json:"trigger_type"`
	TriggerConfig TriggerConfig  `gorm:"type:text" json:"trigger_config"`
	Status        CampaignStatus `gorm:"size:20;index;default:'DRAFT'" json:"status"`
	FlowID        uint           `gorm:"index" json:"flow_id"`

	// Send caps. Zero means unlimited.
	HourlyLimit int `gorm:"default:0" json:"hourly_limit"`
	DailyLimit  int `gorm:"default:0" json:"daily_limit"`

	// Counters, written by the rate limiter's database store only.
	HourlyCount int       `gorm:"default:0" json:"hourly_count"`
	DailyCount  int       `gorm:"default:0" json:"daily_count"`
	HourResetAt time.Time `json:"hour_reset_at"`
	DayResetAt  time.Time `json:"day_reset_at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive returns true if the campaign accepts new triggers and may resume
// existing ones.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignActive
}

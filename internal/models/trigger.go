package models

import (
	"time"
)

// TriggerStatus represents the processing state of a trigger
type TriggerStatus string

const (
	TriggerPending    TriggerStatus = "PENDING"
	TriggerProcessing TriggerStatus = "PROCESSING"
	TriggerCompleted  TriggerStatus = "COMPLETED"
	TriggerFailed     TriggerStatus = "FAILED"
	TriggerSkipped    TriggerStatus = "SKIPPED"
)

// IsTerminal returns true once the trigger can no longer advance.
func (s TriggerStatus) IsTerminal() bool {
	return s == TriggerCompleted || s == TriggerFailed || s == TriggerSkipped
}

// AwaitState says what a suspended trigger is waiting for.
type AwaitState string

const (
	AwaitNone    AwaitState = ""
	AwaitDelay   AwaitState = "delay"
	AwaitButton  AwaitState = "button"
	AwaitCapture AwaitState = "capture"
)

// WaitsForReply is true for states resumed by an inbound message.
func (a AwaitState) WaitsForReply() bool {
	return a == AwaitButton || a == AwaitCapture
}

// Trigger is one matched event against one campaign plus its execution state.
// At most one row exists per (campaign, source id, type) when the source id is
// set.
type Trigger struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	CampaignID    uint        `gorm:"not null;uniqueIndex:ux_trigger_source,priority:1" json:"campaign_id"`
	SourceID      *string     `gorm:"size:128;uniqueIndex:ux_trigger_source,priority:2" json:"source_id"`
	Type          TriggerType `gorm:"size:20;not null;uniqueIndex:ux_trigger_source,priority:3" json:"type"`
	AccountID     uint        `gorm:"index;not null" json:"account_id"`
	ActorID       string      `gorm:"size:64;index;not null" json:"actor_id"`
	ActorName     string      `gorm:"size:255" json:"actor_name"`
	ActorUsername string      `gorm:"size:255" json:"actor_username"`
	SourceText    string      `gorm:"type:text" json:"source_text"`
	PostID        string      `gorm:"size:128" json:"post_id"`

	Status      TriggerStatus `gorm:"size:20;index;default:'PENDING'" json:"status"`
	RetryCount  int           `gorm:"default:0" json:"retry_count"`
	NextRetryAt *time.Time    `gorm:"index" json:"next_retry_at"`

	CurrentNodeID   *string    `gorm:"size:128" json:"current_node_id"`
	FlowState       StringMap  `gorm:"type:text" json:"flow_state"`
	Awaiting        AwaitState `gorm:"size:16;default:''" json:"awaiting"`
	CaptureAttempts int        `gorm:"default:0" json:"capture_attempts"`
	MessagesSent    int        `gorm:"default:0" json:"messages_sent"`
	// StepCount numbers executed nodes; it is the seq of emitted intents.
	StepCount int `gorm:"default:0" json:"step_count"`

	FailureReason string     `gorm:"type:text" json:"failure_reason"`
	CompletedAt   *time.Time `json:"completed_at"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NodeID returns the current node id or "" before the first execution.
func (t *Trigger) NodeID() string {
	if t.CurrentNodeID == nil {
		return ""
	}
	return *t.CurrentNodeID
}

// SetNode moves the trigger to the given node.
func (t *Trigger) SetNode(id string) {
	t.CurrentNodeID = &id
}

// Source returns the external source id or "" for follower triggers.
func (t *Trigger) Source() string {
	if t.SourceID == nil {
		return ""
	}
	return *t.SourceID
}

// IsDue reports whether a suspended trigger's resume time has elapsed.
func (t *Trigger) IsDue(now time.Time) bool {
	return t.NextRetryAt == nil || !now.Before(*t.NextRetryAt)
}

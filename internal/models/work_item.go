package models

import (
	"fmt"
	"time"
)

// WorkReason says why a trigger was queued
type WorkReason string

const (
	ReasonNew      WorkReason = "new"
	ReasonResume   WorkReason = "resume"
	ReasonReply    WorkReason = "reply"
	ReasonDeferred WorkReason = "deferred"
	ReasonReplay   WorkReason = "replay"
)

// WorkStatus represents the state of a queued work item
type WorkStatus string

const (
	WorkPending WorkStatus = "pending"
	WorkClaimed WorkStatus = "claimed"
	WorkDone    WorkStatus = "done"
	WorkFailed  WorkStatus = "failed"
)

// WorkItem is a durable queue entry asking a worker to step one trigger.
type WorkItem struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	TriggerID    uint       `gorm:"index;not null" json:"trigger_id"`
	Reason       WorkReason `gorm:"size:16;not null" json:"reason"`
	ReplyText    string     `gorm:"type:text" json:"reply_text"`
	ReplyPayload string     `gorm:"size:255" json:"reply_payload"`
	Priority     int        `gorm:"not null" json:"priority"`
	Status       WorkStatus `gorm:"size:16;index;default:'pending'" json:"status"`
	AvailableAt  time.Time  `gorm:"index" json:"available_at"`
	Attempts     int        `gorm:"default:0" json:"attempts"`
	ClaimedAt    *time.Time `json:"claimed_at"`
	LastError    string     `gorm:"type:text" json:"last_error"`
	DedupeKey    string     `gorm:"size:200;uniqueIndex;not null" json:"dedupe_key"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewWorkItem builds a pending item. The dedupe key makes enqueueing the same
// logical work twice a no-op.
func NewWorkItem(triggerID uint, reason WorkReason, availableAt time.Time, discriminator string) *WorkItem {
	priority := 1
	if reason == ReasonReply {
		priority = 0
	}
	return &WorkItem{
		TriggerID:   triggerID,
		Reason:      reason,
		Priority:    priority,
		Status:      WorkPending,
		AvailableAt: availableAt,
		DedupeKey:   fmt.Sprintf("%s:%d:%s", reason, triggerID, discriminator),
	}
}

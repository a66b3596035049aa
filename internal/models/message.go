package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the shape of an outbound direct message
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageButton MessageType = "BUTTON"
	MessageLink   MessageType = "LINK"
	MessageImage  MessageType = "IMAGE"
)

// Priority orders work for the dispatcher
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Rank returns a sortable rank, lower first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// MessageStatus represents the delivery state of an outbound message
type MessageStatus string

const (
	MessageQueued    MessageStatus = "QUEUED"
	MessageSent      MessageStatus = "SENT"
	MessageDelivered MessageStatus = "DELIVERED"
	MessageFailed    MessageStatus = "FAILED"
)

// Button is one quick-reply option of a button message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Buttons stores button options as JSON.
type Buttons []Button

func (b Buttons) Value() (driver.Value, error) {
	if b == nil {
		return "[]", nil
	}
	data, err := json.Marshal(b)
	return string(data), err
}

func (b *Buttons) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil || data == nil {
		*b = nil
		return err
	}
	return json.Unmarshal(data, b)
}

// MessageIntent is a not-yet-sent message produced by the flow interpreter.
type MessageIntent struct {
	TriggerID    uint
	CampaignID   uint
	NodeID       string
	Seq          int
	RecipientID  string
	Type         MessageType
	Priority     Priority
	Content      string
	Buttons      []Button
	MediaURL     string
	ScheduledFor *time.Time
}

// Key identifies the intent for idempotent replay.
func (i MessageIntent) Key() string {
	return IntentKey(i.TriggerID, i.NodeID, i.Seq)
}

// IntentKey builds the (trigger, node, seq) idempotency key.
func IntentKey(triggerID uint, nodeID string, seq int) string {
	return fmt.Sprintf("%d:%s:%d", triggerID, nodeID, seq)
}

// OutboundMessage is the persisted form of an intent: the outbox row the
// dispatcher drains.
type OutboundMessage struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	TriggerID         uint          `gorm:"index;not null" json:"trigger_id"`
	CampaignID        uint          `gorm:"index;not null" json:"campaign_id"`
	AccountID         uint          `gorm:"index;not null" json:"account_id"`
	NodeID            string        `gorm:"size:128" json:"node_id"`
	Seq               int           `json:"seq"`
	IntentKey         string        `gorm:"size:200;uniqueIndex;not null" json:"intent_key"`
	RecipientID       string        `gorm:"size:64;not null" json:"recipient_id"`
	CommentID         string        `gorm:"size:128" json:"comment_id"`
	Type              MessageType   `gorm:"size:16;default:'TEXT'" json:"type"`
	Priority          Priority      `gorm:"size:16;default:'NORMAL'" json:"priority"`
	Content           string        `gorm:"type:text" json:"content"`
	Buttons           Buttons       `gorm:"type:text" json:"buttons"`
	MediaURL          string        `gorm:"type:text" json:"media_url"`
	Status            MessageStatus `gorm:"size:16;index;default:'QUEUED'" json:"status"`
	ScheduledFor      *time.Time    `gorm:"index" json:"scheduled_for"`
	Attempts          int           `gorm:"default:0" json:"attempts"`
	PlatformMessageID string        `gorm:"size:255;index" json:"platform_message_id"`
	LastError         string        `gorm:"type:text" json:"last_error"`
	SentAt            *time.Time    `json:"sent_at"`
	DeliveredAt       *time.Time    `json:"delivered_at"`
	CreatedAt         time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsReady reports whether the message may be sent at now.
func (m *OutboundMessage) IsReady(now time.Time) bool {
	return m.Status == MessageQueued && (m.ScheduledFor == nil || !now.Before(*m.ScheduledFor))
}

// NewOutboundMessage converts an intent into an outbox row.
func NewOutboundMessage(intent MessageIntent, accountID uint) *OutboundMessage {
	return &OutboundMessage{
		TriggerID:    intent.TriggerID,
		CampaignID:   intent.CampaignID,
		AccountID:    accountID,
		NodeID:       intent.NodeID,
		Seq:          intent.Seq,
		IntentKey:    intent.Key(),
		RecipientID:  intent.RecipientID,
		Type:         intent.Type,
		Priority:     intent.Priority,
		Content:      intent.Content,
		Buttons:      Buttons(intent.Buttons),
		MediaURL:     intent.MediaURL,
		Status:       MessageQueued,
		ScheduledFor: intent.ScheduledFor,
	}
}

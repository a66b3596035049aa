package models

import (
	"time"
)

// Event is the platform-agnostic form of an upstream occurrence. It is never
// persisted: adapters build it and the engine consumes it immediately.
type Event struct {
	Type              TriggerType
	AccountPlatformID string
	// SourceID is the comment id or message id; empty for follower events.
	SourceID      string
	ActorID       string
	ActorName     string
	ActorUsername string
	Body          string
	// PostID is the media the comment was left on (COMMENT only).
	PostID string
	// ReplyPayload carries a quick-reply or postback payload, if any.
	ReplyPayload string
	OccurredAt   time.Time
	Raw          map[string]interface{}
}

// HasSourceID reports whether the event can be deduplicated by id.
func (e *Event) HasSourceID() bool {
	return e.SourceID != ""
}

// DeliveryReceipt reports that previously sent messages reached the recipient.
type DeliveryReceipt struct {
	AccountPlatformID string
	MessageIDs        []string
	Watermark         time.Time
}

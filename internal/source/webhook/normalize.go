package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
)

// Batch is everything one delivery carried
type Batch struct {
	Events   []*models.Event
	Receipts []*models.DeliveryReceipt
	// Skipped counts entries that carry nothing for the engine: echoes,
	// reads, deletions and unknown fields.
	Skipped int
}

// Parse decodes and normalizes a raw delivery
func Parse(body []byte, now time.Time) (*Batch, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, failure.Wrap(failure.KindValidation, "malformed webhook payload", err)
	}
	return Normalize(&p, now)
}

// Normalize converts a delivery into events and receipts. now stands in for
// missing timestamps.
func Normalize(p *Payload, now time.Time) (*Batch, error) {
	if p.Object != "instagram" && p.Object != "page" {
		return nil, failure.Validation("unsupported webhook object %q", p.Object)
	}

	b := &Batch{}
	for _, entry := range p.Entry {
		entryTime := epoch(entry.Time)
		if entryTime.IsZero() {
			entryTime = now.UTC()
		}

		for _, change := range entry.Changes {
			ev, err := fromChange(entry.ID, change, entryTime)
			if err != nil {
				return nil, err
			}
			if ev == nil {
				b.Skipped++
				continue
			}
			b.Events = append(b.Events, ev)
		}

		for i := range entry.Messaging {
			m := &entry.Messaging[i]
			at := epoch(m.Timestamp)
			if at.IsZero() {
				at = entryTime
			}

			if m.Delivery != nil {
				b.Receipts = append(b.Receipts, &models.DeliveryReceipt{
					AccountPlatformID: entry.ID,
					MessageIDs:        m.Delivery.Mids,
					Watermark:         orNow(epoch(m.Delivery.Watermark), at),
				})
				continue
			}

			ev := fromMessaging(entry.ID, m, at)
			if ev == nil {
				b.Skipped++
				continue
			}
			b.Events = append(b.Events, ev)
		}
	}
	return b, nil
}

func fromChange(accountID string, change Change, at time.Time) (*models.Event, error) {
	switch change.Field {
	case "comments":
		var v CommentValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return nil, failure.Wrap(failure.KindValidation, "malformed comment change", err)
		}
		if v.ID == "" || v.From.ID == "" || v.From.ID == accountID {
			return nil, nil
		}
		return &models.Event{
			Type:              models.TriggerComment,
			AccountPlatformID: accountID,
			SourceID:          v.ID,
			ActorID:           v.From.ID,
			ActorUsername:     v.From.Username,
			Body:              v.Text,
			PostID:            v.Media.ID,
			OccurredAt:        at,
			Raw: map[string]interface{}{
				"parent_id":          v.ParentID,
				"media_product_type": v.Media.MediaProductType,
			},
		}, nil

	case "follows":
		var v FollowValue
		if err := json.Unmarshal(change.Value, &v); err != nil {
			return nil, failure.Wrap(failure.KindValidation, "malformed follow change", err)
		}
		if v.From.ID == "" {
			return nil, nil
		}
		return &models.Event{
			Type:              models.TriggerNewFollower,
			AccountPlatformID: accountID,
			ActorID:           v.From.ID,
			ActorUsername:     v.From.Username,
			OccurredAt:        at,
		}, nil
	}
	return nil, nil
}

// fromMessaging returns nil for entries the engine does not consume.
func fromMessaging(accountID string, m *Messaging, at time.Time) *models.Event {
	// Our own outbound messages come back as echoes.
	if m.Sender.ID == "" || m.Sender.ID == accountID {
		return nil
	}

	ev := &models.Event{
		AccountPlatformID: accountID,
		ActorID:           m.Sender.ID,
		ActorUsername:     m.Sender.Username,
		OccurredAt:        at,
	}

	switch {
	case m.Postback != nil:
		ev.Type = models.TriggerDMKeyword
		ev.SourceID = m.Postback.Mid
		ev.Body = m.Postback.Title
		ev.ReplyPayload = m.Postback.Payload
		return ev

	case m.Message != nil:
		msg := m.Message
		if msg.IsEcho || msg.IsDeleted {
			return nil
		}
		ev.SourceID = msg.Mid
		ev.Body = strings.TrimSpace(msg.Text)
		if msg.QuickReply != nil {
			ev.ReplyPayload = msg.QuickReply.Payload
		}
		if msg.ReplyTo != nil && msg.ReplyTo.Story != nil {
			ev.Type = models.TriggerStoryReply
			ev.PostID = msg.ReplyTo.Story.ID
			ev.Raw = map[string]interface{}{"story_url": msg.ReplyTo.Story.URL}
			return ev
		}
		ev.Type = models.TriggerDMKeyword
		if len(msg.Attachments) > 0 {
			ev.Raw = map[string]interface{}{"attachment_type": msg.Attachments[0].Type}
		}
		return ev
	}
	return nil
}

func orNow(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// String summarizes the batch for logs.
func (b *Batch) String() string {
	return fmt.Sprintf("%d events, %d receipts, %d skipped", len(b.Events), len(b.Receipts), b.Skipped)
}

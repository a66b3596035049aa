// Package events publishes trigger lifecycle events for downstream
// consumers. Publishing is best effort: callers log failures and move on.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dm-agent/internal/models"
)

// Type names a lifecycle transition.
type Type string

const (
	TriggerCreated   Type = "trigger.created"
	TriggerSuspended Type = "trigger.suspended"
	TriggerCompleted Type = "trigger.completed"
	TriggerFailed    Type = "trigger.failed"
	TriggerSkipped   Type = "trigger.skipped"
	MessageSent      Type = "message.sent"
	MessageFailed    Type = "message.failed"
	LeadCaptured     Type = "lead.captured"
)

// Lifecycle is one published event.
type Lifecycle struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	OccurredAt time.Time         `json:"occurred_at"`
	AccountID  uint              `json:"account_id"`
	CampaignID uint              `json:"campaign_id"`
	TriggerID  uint              `json:"trigger_id"`
	ActorID    string            `json:"actor_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	NodeID     string            `json:"node_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// ForTrigger builds an event describing the trigger's current state.
func ForTrigger(typ Type, t *models.Trigger, at time.Time) Lifecycle {
	return Lifecycle{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: at.UTC(),
		AccountID:  t.AccountID,
		CampaignID: t.CampaignID,
		TriggerID:  t.ID,
		ActorID:    t.ActorID,
		Status:     string(t.Status),
		NodeID:     t.NodeID(),
		Reason:     t.FailureReason,
	}
}

// Publisher sends lifecycle events somewhere.
type Publisher interface {
	Publish(ctx context.Context, events ...Lifecycle) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Lifecycle) error { return nil }
func (Nop) Close() error                                { return nil }

// Recorder keeps published events in memory. Used by tests and the CLI dry
// runs.
type Recorder struct {
	mu     sync.Mutex
	events []Lifecycle
}

func (r *Recorder) Publish(_ context.Context, events ...Lifecycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Lifecycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Lifecycle, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the published event types in order.
func (r *Recorder) Types() []Type {
	var out []Type
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

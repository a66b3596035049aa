package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
)

// SweepResult counts the work a sweep enqueued.
type SweepResult struct {
	Due      int
	Enqueued int
	Pending  int
}

// ResumeDue enqueues a resume item for every suspended trigger whose wait has
// elapsed, and re-enqueues PENDING triggers whose first item was lost.
// Running it twice enqueues nothing new.
func (e *Engine) ResumeDue(ctx context.Context, now time.Time) (*SweepResult, error) {
	now = now.UTC()
	due, err := e.repo.ListDueTriggers(ctx, now, e.cfg.ResumeBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list due triggers: %w", err)
	}

	res := &SweepResult{Due: len(due)}
	for _, t := range due {
		created, err := e.repo.Enqueue(ctx, models.NewWorkItem(t.ID, models.ReasonResume, now, resumeKey(t)))
		if err != nil {
			return res, fmt.Errorf("failed to enqueue resume of trigger %d: %w", t.ID, err)
		}
		if created {
			res.Enqueued++
		}
	}

	pending := models.TriggerPending
	stale, err := e.repo.ListTriggers(ctx, storage.TriggerFilter{
		Status:  &pending,
		Limit:   e.cfg.ResumeBatchSize,
		OrderBy: "created_at",
	})
	if err != nil {
		return res, fmt.Errorf("failed to list pending triggers: %w", err)
	}
	for _, t := range stale {
		created, err := e.repo.Enqueue(ctx, models.NewWorkItem(t.ID, models.ReasonNew, now, strconv.Itoa(t.RetryCount)))
		if err != nil {
			return res, fmt.Errorf("failed to enqueue trigger %d: %w", t.ID, err)
		}
		if created {
			res.Pending++
			res.Enqueued++
		}
	}

	if res.Enqueued > 0 {
		e.log.Info().
			Int("due", res.Due).
			Int("enqueued", res.Enqueued).
			Msg("Resume sweep queued work")
		e.notify()
	}
	return res, nil
}

// MarkDelivered applies a delivery receipt and returns the number of
// messages moved to DELIVERED.
func (e *Engine) MarkDelivered(ctx context.Context, receipt *models.DeliveryReceipt) (int64, error) {
	if receipt == nil || len(receipt.MessageIDs) == 0 {
		return 0, nil
	}
	at := receipt.Watermark
	if at.IsZero() {
		at = e.clock()
	}
	n, err := e.repo.MarkDelivered(ctx, receipt.MessageIDs, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages delivered: %w", err)
	}
	e.log.Debug().
		Str("account", receipt.AccountPlatformID).
		Int64("delivered", n).
		Msg("Delivery receipt applied")
	return n, nil
}

// Replay puts a FAILED or SKIPPED trigger back in play. Messages that failed
// are queued again and the flow continues from the node it stopped at.
func (e *Engine) Replay(ctx context.Context, triggerID uint) (*models.Trigger, error) {
	t, err := e.repo.GetTriggerByID(ctx, triggerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.Validation("trigger %d not found", triggerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trigger %d: %w", triggerID, err)
	}
	if t.Status != models.TriggerFailed && t.Status != models.TriggerSkipped {
		return nil, failure.Validation("trigger %d is %s, only FAILED or SKIPPED triggers can be replayed", t.ID, t.Status)
	}

	messages, err := e.repo.ListMessages(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of trigger %d: %w", t.ID, err)
	}
	for _, msg := range messages {
		if msg.Status != models.MessageFailed {
			continue
		}
		msg.Status = models.MessageQueued
		msg.LastError = ""
		msg.ScheduledFor = nil
		if err := e.repo.UpdateMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to requeue message %d: %w", msg.ID, err)
		}
	}

	if t.CurrentNodeID == nil {
		t.Status = models.TriggerPending
	} else {
		t.Status = models.TriggerProcessing
	}
	t.FailureReason = ""
	t.CompletedAt = nil
	t.RetryCount++
	if err := e.repo.UpdateTrigger(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to reset trigger %d: %w", t.ID, err)
	}

	now := e.clock()
	item := models.NewWorkItem(t.ID, models.ReasonReplay, now, strconv.FormatInt(now.UnixNano(), 10))
	if _, err := e.repo.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue replay of trigger %d: %w", t.ID, err)
	}

	e.log.WithTriggerID(t.ID).Info().
		Int("retry_count", t.RetryCount).
		Msg("Trigger replayed")
	e.notify()
	return t, nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dm-agent/internal/dispatch"
	"github.com/dm-agent/internal/events"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/flow"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/internal/tracker"
	"github.com/dm-agent/pkg/logger"
)

// task bundles the rows one Process call works on.
type task struct {
	item     *models.WorkItem
	trigger  *models.Trigger
	campaign *models.Campaign
	account  *models.Account
	log      *logger.Logger

	// reply is set until the flow has consumed the item's reply.
	reply *flow.Reply
}

// Process steps the item's trigger once. Trigger-local failures end in a
// terminal trigger status and return nil; a returned error means the item
// should be retried.
func (e *Engine) Process(ctx context.Context, item *models.WorkItem) error {
	t, err := e.repo.GetTriggerByID(ctx, item.TriggerID)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Warn().Uint("trigger_id", item.TriggerID).Msg("Work item for missing trigger dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load trigger %d: %w", item.TriggerID, err)
	}
	if t.Status == models.TriggerFailed || t.Status == models.TriggerSkipped {
		return nil
	}

	tk := &task{
		item:    item,
		trigger: t,
		log:     e.log.WithTriggerID(t.ID).WithCampaignID(t.CampaignID),
	}
	if item.Reason == models.ReasonReply {
		tk.reply = &flow.Reply{Text: item.ReplyText, Payload: item.ReplyPayload}
	}

	tk.campaign, err = e.repo.GetCampaignByID(ctx, t.CampaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.skip(ctx, tk, "campaign deleted")
	}
	if err != nil {
		return fmt.Errorf("failed to load campaign %d: %w", t.CampaignID, err)
	}
	if !tk.campaign.IsActive() && t.Status != models.TriggerCompleted {
		return e.skip(ctx, tk, fmt.Sprintf("campaign is %s", tk.campaign.Status))
	}

	tk.account, err = e.repo.GetAccountByID(ctx, t.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account %d: %w", t.AccountID, err)
	}

	// Messages left over from an earlier step go out before the flow moves on.
	drained, err := e.drain(ctx, tk)
	if err != nil || !drained {
		return err
	}
	if t.Status == models.TriggerCompleted {
		return nil
	}

	g, err := e.graph(ctx, tk.campaign)
	if err != nil {
		if failure.KindOf(err) == "" {
			return err
		}
		return e.failTrigger(ctx, tk, failure.KindOf(err), failure.ReasonOf(err))
	}

	step, err := e.interp.Advance(t, g, flow.Input{Now: e.clock(), Reply: tk.reply})
	if err != nil {
		return fmt.Errorf("failed to advance trigger %d: %w", t.ID, err)
	}
	tk.reply = nil
	if step.Noop {
		tk.log.Debug().Str("reason", string(item.Reason)).Msg("Nothing to do")
		return e.scheduleResume(ctx, tk, step)
	}

	messages, err := e.outbox(ctx, tk, step.Intents)
	if err != nil {
		return err
	}
	if err := e.repo.SaveStep(ctx, t, messages); err != nil {
		return fmt.Errorf("failed to save step of trigger %d: %w", t.ID, err)
	}

	now := e.clock()
	switch step.Outcome {
	case flow.OutcomeFail:
		tk.log.Warn().Str("kind", string(step.Kind)).Str("reason", step.Reason).Msg("Flow failed")
		e.metrics.TriggerFinished(string(models.TriggerFailed))
		e.publish(ctx, events.ForTrigger(events.TriggerFailed, t, now))
		return nil
	case flow.OutcomeComplete:
		e.metrics.TriggerFinished(string(models.TriggerCompleted))
		e.publish(ctx, events.ForTrigger(events.TriggerCompleted, t, now))
		e.exportLead(ctx, tk)
	case flow.OutcomeSuspend:
		e.publish(ctx, events.ForTrigger(events.TriggerSuspended, t, now))
	}

	drained, err = e.drain(ctx, tk)
	if err != nil || !drained {
		return err
	}

	return e.scheduleResume(ctx, tk, step)
}

// scheduleResume queues the wake-up of a suspended trigger. The key is tied
// to the step count, so scheduling the same wait twice is a no-op.
func (e *Engine) scheduleResume(ctx context.Context, tk *task, step *flow.Step) error {
	if step.Outcome != flow.OutcomeSuspend || step.ResumeAt == nil {
		return nil
	}
	t := tk.trigger
	resume := models.NewWorkItem(t.ID, models.ReasonResume, *step.ResumeAt, resumeKey(t))
	created, err := e.repo.Enqueue(ctx, resume)
	if err != nil {
		return fmt.Errorf("failed to schedule resume of trigger %d: %w", t.ID, err)
	}
	if created {
		tk.log.Debug().
			Str("awaiting", string(t.Awaiting)).
			Time("resume_at", *step.ResumeAt).
			Msg("Trigger suspended")
	}
	return nil
}

// resumeKey scopes a wake-up to the trigger's step and replay count. A replay
// bumps the count, so its waits never collide with items of the failed run.
func resumeKey(t *models.Trigger) string {
	return fmt.Sprintf("%d.%d", t.StepCount, t.RetryCount)
}

func (e *Engine) graph(ctx context.Context, campaign *models.Campaign) (*flow.Graph, error) {
	f, err := e.repo.GetFlowByID(ctx, campaign.FlowID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.FlowStructure("flow %d not found", campaign.FlowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %d: %w", campaign.FlowID, err)
	}
	return flow.Parse(f)
}

// outbox converts intents into rows. The first message of a comment trigger
// is sent as a private reply to the comment.
func (e *Engine) outbox(ctx context.Context, tk *task, intents []models.MessageIntent) ([]*models.OutboundMessage, error) {
	if len(intents) == 0 {
		return nil, nil
	}
	messages := make([]*models.OutboundMessage, 0, len(intents))
	for _, intent := range intents {
		messages = append(messages, models.NewOutboundMessage(intent, tk.trigger.AccountID))
	}

	if tk.trigger.Type == models.TriggerComment && tk.trigger.Source() != "" {
		existing, err := e.repo.ListMessages(ctx, tk.trigger.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages of trigger %d: %w", tk.trigger.ID, err)
		}
		if len(existing) == 0 {
			messages[0].CommentID = tk.trigger.Source()
		}
	}
	return messages, nil
}

// drain sends the trigger's queued messages in order. It reports false when
// the trigger has to stop here because a send was deferred or failed.
func (e *Engine) drain(ctx context.Context, tk *task) (bool, error) {
	queued, err := e.repo.ListQueuedMessages(ctx, tk.trigger.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list queued messages: %w", err)
	}
	if len(queued) == 0 {
		return true, nil
	}

	sent := 0
	defer func() {
		if sent == 0 {
			return
		}
		if err := e.repo.UpdateTrigger(ctx, tk.trigger); err != nil {
			tk.log.Error().Err(err).Msg("Failed to record sent count")
		}
	}()

	for i, msg := range queued {
		res, err := e.dispatcher.Send(ctx, tk.account, tk.campaign, msg)
		if err != nil {
			return false, err
		}

		switch res.Status {
		case dispatch.StatusSent:
			sent++
			tk.trigger.MessagesSent++
			e.metrics.Message("sent", "")
			ev := events.ForTrigger(events.MessageSent, tk.trigger, e.clock())
			ev.Data = map[string]string{"intent_key": msg.IntentKey, "platform_message_id": res.PlatformMessageID}
			e.publish(ctx, ev)

		case dispatch.StatusDeferred:
			e.metrics.Message("deferred", string(res.Kind))
			at := e.clock()
			if res.RetryAt != nil {
				at = *res.RetryAt
			}
			item := models.NewWorkItem(tk.trigger.ID, models.ReasonDeferred, at, strconv.FormatInt(at.Unix(), 10))
			if tk.reply != nil {
				// The reply is not applied yet; it waits with the send.
				item = models.NewWorkItem(tk.trigger.ID, models.ReasonReply, at, fmt.Sprintf("%d@%d", tk.item.ID, at.Unix()))
				item.ReplyText = tk.reply.Text
				item.ReplyPayload = tk.reply.Payload
			}
			if _, err := e.repo.Enqueue(ctx, item); err != nil {
				return false, fmt.Errorf("failed to schedule deferred send: %w", err)
			}
			tk.log.Info().
				Str("reason", res.Reason).
				Time("retry_at", at).
				Msg("Send deferred")
			return false, nil

		case dispatch.StatusFailed:
			e.metrics.Message("failed", string(res.Kind))
			ev := events.ForTrigger(events.MessageFailed, tk.trigger, e.clock())
			ev.Data = map[string]string{"intent_key": msg.IntentKey, "kind": string(res.Kind)}
			e.publish(ctx, ev)

			if err := e.abandon(ctx, queued[i+1:], "not sent: earlier message failed"); err != nil {
				return false, err
			}
			reason := string(res.Kind)
			if res.Err != nil {
				reason = res.Err.Error()
			}
			return false, e.failDelivery(ctx, tk, res.Kind, reason)
		}
	}
	return true, nil
}

// abandon fails queued messages that will never be sent.
func (e *Engine) abandon(ctx context.Context, rest []*models.OutboundMessage, lastError string) error {
	for _, msg := range rest {
		msg.Status = models.MessageFailed
		msg.LastError = lastError
		if err := e.repo.UpdateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to update message %d: %w", msg.ID, err)
		}
	}
	return nil
}

// failDelivery fails a trigger whose message could not be sent. The flow
// position and wait state are kept so a replay resumes from there.
func (e *Engine) failDelivery(ctx context.Context, tk *task, kind failure.Kind, reason string) error {
	t := tk.trigger
	t.Status = models.TriggerFailed
	t.FailureReason = reason
	if err := e.repo.UpdateTrigger(ctx, t); err != nil {
		return fmt.Errorf("failed to fail trigger %d: %w", t.ID, err)
	}
	tk.log.Warn().Str("kind", string(kind)).Str("reason", reason).Msg("Trigger failed on delivery")
	e.metrics.TriggerFinished(string(models.TriggerFailed))
	e.publish(ctx, events.ForTrigger(events.TriggerFailed, t, e.clock()))
	return nil
}

// WorkFailed settles the trigger of an item the worker gave up on. A trigger
// still in flight is failed so it leaves the due set; Replay resumes it.
func (e *Engine) WorkFailed(ctx context.Context, item *models.WorkItem, cause error) error {
	t, err := e.repo.GetTriggerByID(ctx, item.TriggerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load trigger %d: %w", item.TriggerID, err)
	}
	if t.Status != models.TriggerPending && t.Status != models.TriggerProcessing {
		return nil
	}

	tk := &task{item: item, trigger: t, log: e.log.WithTriggerID(t.ID).WithCampaignID(t.CampaignID)}
	queued, err := e.repo.ListQueuedMessages(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to list queued messages: %w", err)
	}
	reason := fmt.Sprintf("gave up after %d attempts: %v", item.Attempts, cause)
	if err := e.abandon(ctx, queued, "not sent: "+reason); err != nil {
		return err
	}

	kind := failure.KindOf(cause)
	if kind == "" {
		kind = failure.KindTransientUpstream
	}
	return e.failDelivery(ctx, tk, kind, reason)
}

func (e *Engine) failTrigger(ctx context.Context, tk *task, kind failure.Kind, reason string) error {
	t := tk.trigger
	t.Status = models.TriggerFailed
	t.FailureReason = reason
	t.Awaiting = models.AwaitNone
	t.NextRetryAt = nil
	if err := e.repo.UpdateTrigger(ctx, t); err != nil {
		return fmt.Errorf("failed to fail trigger %d: %w", t.ID, err)
	}
	tk.log.Warn().Str("kind", string(kind)).Str("reason", reason).Msg("Trigger failed")
	e.metrics.TriggerFinished(string(models.TriggerFailed))
	e.publish(ctx, events.ForTrigger(events.TriggerFailed, t, e.clock()))
	return nil
}

func (e *Engine) skip(ctx context.Context, tk *task, reason string) error {
	t := tk.trigger
	t.Status = models.TriggerSkipped
	t.FailureReason = reason
	t.Awaiting = models.AwaitNone
	t.NextRetryAt = nil
	if err := e.repo.UpdateTrigger(ctx, t); err != nil {
		return fmt.Errorf("failed to skip trigger %d: %w", t.ID, err)
	}
	queued, err := e.repo.ListQueuedMessages(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("failed to list queued messages: %w", err)
	}
	if err := e.abandon(ctx, queued, "not sent: "+reason); err != nil {
		return err
	}
	tk.log.Info().Str("reason", reason).Msg("Trigger skipped")
	e.metrics.TriggerFinished(string(models.TriggerSkipped))
	e.publish(ctx, events.ForTrigger(events.TriggerSkipped, t, e.clock()))
	return nil
}

func (e *Engine) exportLead(ctx context.Context, tk *task) {
	lead, ok := tracker.LeadFromTrigger(tk.trigger, e.clock())
	if !ok {
		return
	}
	ev := events.ForTrigger(events.LeadCaptured, tk.trigger, lead.CapturedAt)
	ev.Data = lead.Fields
	e.publish(ctx, ev)

	if e.leads == nil {
		return
	}
	if err := e.leads.RecordLead(ctx, lead); err != nil {
		tk.log.Warn().Err(err).Msg("Failed to export lead")
	}
}

// Package engine ties the pipeline together: events become triggers and work
// items, and work items step triggers through their flows and drain the
// resulting outbox.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/dedup"
	"github.com/dm-agent/internal/dispatch"
	"github.com/dm-agent/internal/events"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/flow"
	"github.com/dm-agent/internal/matcher"
	"github.com/dm-agent/internal/metrics"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/internal/tracker"
	"github.com/dm-agent/pkg/logger"
)

// Dispatcher sends one outbox message.
type Dispatcher interface {
	Send(ctx context.Context, acct *models.Account, campaign *models.Campaign, msg *models.OutboundMessage) (*dispatch.Result, error)
}

// LeadSink receives leads captured by completed triggers.
type LeadSink interface {
	RecordLead(ctx context.Context, lead tracker.Lead) error
}

// Engine runs the trigger lifecycle
type Engine struct {
	repo       storage.Repository
	dedup      *dedup.Deduplicator
	interp     *flow.Interpreter
	dispatcher Dispatcher
	publisher  events.Publisher
	leads      LeadSink
	metrics    *metrics.Metrics
	cfg        config.EngineConfig
	now        func() time.Time
	notify     func()
	log        *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLeadSink exports captured fields of completed triggers.
func WithLeadSink(s LeadSink) Option {
	return func(e *Engine) { e.leads = s }
}

// WithMetrics records engine counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine
func New(repo storage.Repository, dispatcher Dispatcher, cfg config.EngineConfig, log *logger.Logger, opts ...Option) *Engine {
	if cfg.ResumeBatchSize <= 0 {
		cfg.ResumeBatchSize = 100
	}
	e := &Engine{
		repo:       repo,
		dedup:      dedup.New(repo, log),
		interp:     flow.NewInterpreter(cfg.ReplyTimeout, cfg.MaxSteps),
		dispatcher: dispatcher,
		publisher:  events.Nop{},
		cfg:        cfg,
		now:        time.Now,
		notify:     func() {},
		log:        log.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetNotifier registers a callback run after work is enqueued, so an idle
// worker pool picks it up before its next poll.
func (e *Engine) SetNotifier(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	e.notify = fn
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// IngestResult reports what one event produced.
type IngestResult struct {
	Matched    int
	Created    []uint
	Duplicates int
	// RoutedTo is set when the event was a reply to a waiting trigger.
	RoutedTo uint
	Ignored  string
}

// Ingest turns a normalized event into triggers and work items. It never
// runs a flow. Invalid events return a validation error; storage errors
// propagate.
func (e *Engine) Ingest(ctx context.Context, ev *models.Event) (*IngestResult, error) {
	if err := validateEvent(ev); err != nil {
		e.metrics.Event(eventType(ev), "invalid")
		return nil, err
	}
	log := e.log.WithAccount(ev.AccountPlatformID)

	acct, err := e.repo.GetAccountByPlatformID(ctx, ev.AccountPlatformID)
	if errors.Is(err, storage.ErrNotFound) {
		e.metrics.Event(string(ev.Type), "invalid")
		return nil, failure.Validation("unknown account %s", ev.AccountPlatformID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	result := &IngestResult{}
	if ev.ActorID == acct.PlatformUserID {
		result.Ignored = "own message"
		e.metrics.Event(string(ev.Type), "ignored")
		return result, nil
	}

	if ev.Type == models.TriggerDMKeyword {
		routed, err := e.routeReply(ctx, acct, ev)
		if err != nil {
			return nil, err
		}
		if routed != 0 {
			result.RoutedTo = routed
			e.metrics.Event(string(ev.Type), "routed")
			e.notify()
			return result, nil
		}
	}

	if ev.Type == models.TriggerNewFollower {
		first, err := e.repo.RecordFollower(ctx, acct.ID, ev.ActorID)
		if err != nil {
			return nil, fmt.Errorf("failed to record follower: %w", err)
		}
		if !first {
			result.Ignored = "known follower"
			e.metrics.Duplicate(string(ev.Type))
			log.Debug().Str("actor_id", ev.ActorID).Msg("Repeated follow ignored")
			return result, nil
		}
	}

	campaigns, err := e.repo.ListCampaigns(ctx, storage.ActiveCampaigns(acct.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	matched := matcher.Match(ev, campaigns)
	result.Matched = len(matched)
	if len(matched) == 0 {
		e.metrics.Event(string(ev.Type), "unmatched")
		return result, nil
	}
	e.metrics.Event(string(ev.Type), "matched")

	now := e.clock()
	for _, campaign := range matched {
		res, err := e.dedup.CreateTriggerIfNew(ctx, campaign, ev)
		if err != nil {
			return result, err
		}
		if !res.Created {
			result.Duplicates++
			e.metrics.Duplicate(string(ev.Type))
			continue
		}
		if _, err := e.repo.Enqueue(ctx, models.NewWorkItem(res.Trigger.ID, models.ReasonNew, now, "0")); err != nil {
			return result, fmt.Errorf("failed to enqueue trigger %d: %w", res.Trigger.ID, err)
		}
		result.Created = append(result.Created, res.Trigger.ID)
		e.metrics.TriggerCreated(string(res.Trigger.Type))
		e.publish(ctx, events.ForTrigger(events.TriggerCreated, res.Trigger, now))

		log.Info().
			Uint("campaign_id", campaign.ID).
			Uint("trigger_id", res.Trigger.ID).
			Str("actor_id", ev.ActorID).
			Msg("Trigger created")
	}

	if len(result.Created) > 0 {
		e.notify()
	}
	return result, nil
}

// routeReply hands a direct message to the trigger waiting on its sender.
// It returns the trigger id, or 0 when no trigger is waiting.
func (e *Engine) routeReply(ctx context.Context, acct *models.Account, ev *models.Event) (uint, error) {
	waiting, err := e.repo.FindAwaitingTrigger(ctx, acct.ID, ev.ActorID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up waiting trigger: %w", err)
	}

	discriminator := ev.SourceID
	if discriminator == "" {
		discriminator = strconv.FormatInt(ev.OccurredAt.UnixNano(), 10)
	}
	item := models.NewWorkItem(waiting.ID, models.ReasonReply, e.clock(), discriminator)
	item.ReplyText = ev.Body
	item.ReplyPayload = ev.ReplyPayload
	if _, err := e.repo.Enqueue(ctx, item); err != nil {
		return 0, fmt.Errorf("failed to enqueue reply for trigger %d: %w", waiting.ID, err)
	}

	e.log.WithTriggerID(waiting.ID).Debug().
		Str("actor_id", ev.ActorID).
		Str("awaiting", string(waiting.Awaiting)).
		Msg("Reply routed to waiting trigger")
	return waiting.ID, nil
}

func validateEvent(ev *models.Event) error {
	switch {
	case ev == nil:
		return failure.Validation("event is required")
	case !ev.Type.Valid():
		return failure.Validation("unknown event type %q", ev.Type)
	case ev.AccountPlatformID == "":
		return failure.Validation("event has no account")
	case ev.ActorID == "":
		return failure.Validation("event has no actor")
	case ev.Type == models.TriggerComment && ev.SourceID == "":
		return failure.Validation("comment event has no comment id")
	}
	return nil
}

func eventType(ev *models.Event) string {
	if ev == nil || !ev.Type.Valid() {
		return "unknown"
	}
	return string(ev.Type)
}

func (e *Engine) publish(ctx context.Context, evs ...events.Lifecycle) {
	if err := e.publisher.Publish(ctx, evs...); err != nil {
		e.log.Warn().Err(err).Msg("Failed to publish lifecycle events")
	}
}

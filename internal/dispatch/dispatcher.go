// Package dispatch sends outbox messages to the platform. Every send is
// admitted by the rate limiter first; transient upstream failures are retried
// with jittered exponential backoff, permanent ones fail the message at once.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/logger"
	"github.com/dm-agent/pkg/ratelimit"
)

// Status is the outcome of one Send call.
type Status string

const (
	StatusSent     Status = "sent"
	StatusDeferred Status = "deferred"
	StatusFailed   Status = "failed"
)

// Result describes what happened to a message. RetryAt is set for deferred
// sends; Kind and Err for failed ones.
type Result struct {
	Status            Status
	PlatformMessageID string
	Kind              failure.Kind
	Reason            string
	RetryAt           *time.Time
	Attempts          int
	Err               error
}

// Sender delivers one message to the platform.
type Sender interface {
	SendMessage(ctx context.Context, acct *models.Account, msg *models.OutboundMessage) (string, error)
}

// Admitter decides whether a campaign may send now.
type Admitter interface {
	Admit(ctx context.Context, limits ratelimit.Limits) (ratelimit.Decision, error)
}

// Store persists message outcomes and account flags.
type Store interface {
	UpdateMessage(ctx context.Context, message *models.OutboundMessage) error
	MarkAccountReconnect(ctx context.Context, id uint) error
}

// Dispatcher sends messages on behalf of campaigns
type Dispatcher struct {
	sender   Sender
	admitter Admitter
	store    Store
	cfg      config.DispatchConfig
	now      func() time.Time
	log      *logger.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher
func New(sender Sender, admitter Admitter, store Store, cfg config.DispatchConfig, log *logger.Logger, opts ...Option) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	d := &Dispatcher{
		sender:   sender,
		admitter: admitter,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		log:      log.WithComponent("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) retryPolicy() retrypolicy.RetryPolicy[string] {
	return retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			// Unclassified errors come from the transport and are retried.
			return err != nil && (failure.IsTransient(err) || failure.KindOf(err) == "")
		}).
		WithBackoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff).
		WithJitterFactor(0.1).
		WithMaxRetries(d.cfg.MaxRetries).
		ReturnLastFailure().
		Build()
}

// Send admits and sends one queued message and records the outcome on it.
// The returned error is reserved for persistence and admission store
// failures; upstream failures are reported through the Result.
func (d *Dispatcher) Send(ctx context.Context, acct *models.Account, campaign *models.Campaign, msg *models.OutboundMessage) (*Result, error) {
	now := d.now().UTC()
	log := d.log.WithTriggerID(msg.TriggerID).WithCampaignID(campaign.ID)

	if msg.Status != models.MessageQueued {
		return nil, fmt.Errorf("message %d is %s, not queued", msg.ID, msg.Status)
	}
	if !msg.IsReady(now) {
		at := *msg.ScheduledFor
		return &Result{Status: StatusDeferred, Kind: failure.KindRateLimited, RetryAt: &at, Reason: "scheduled"}, nil
	}

	if acct.NeedsReconnect {
		err := failure.New(failure.KindTokenExpired, "account needs reconnect")
		return d.fail(ctx, acct, msg, err, 0)
	}

	decision, err := d.admitter.Admit(ctx, ratelimit.Limits{
		CampaignID: campaign.ID,
		Hourly:     campaign.HourlyLimit,
		Daily:      campaign.DailyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to admit message %d: %w", msg.ID, err)
	}
	if !decision.Admitted {
		at := decision.RetryAt.UTC()
		msg.ScheduledFor = &at
		if err := d.store.UpdateMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to reschedule message %d: %w", msg.ID, err)
		}
		log.Info().
			Uint("message_id", msg.ID).
			Str("limit", string(decision.Reason)).
			Time("retry_at", at).
			Msg("Send deferred by rate limit")
		return &Result{
			Status:  StatusDeferred,
			Kind:    failure.KindRateLimited,
			Reason:  string(decision.Reason),
			RetryAt: &at,
		}, nil
	}

	attempts := 0
	mid, err := failsafe.With[string](d.retryPolicy()).WithContext(ctx).Get(func() (string, error) {
		attempts++
		if attempts > 1 {
			log.Warn().
				Uint("message_id", msg.ID).
				Int("attempt", attempts).
				Msg("Retrying send after transient failure")
		}
		return d.sender.SendMessage(ctx, acct, msg)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: leave the message queued for the next run.
			return nil, ctx.Err()
		}
		if failure.KindOf(err) == "" {
			err = failure.Wrap(failure.KindTransientUpstream, "send", err)
		}
		return d.fail(ctx, acct, msg, err, attempts)
	}

	sentAt := now
	msg.Status = models.MessageSent
	msg.PlatformMessageID = mid
	msg.SentAt = &sentAt
	msg.Attempts += attempts
	msg.LastError = ""
	if err := d.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to record sent message %d: %w", msg.ID, err)
	}

	log.Debug().
		Uint("message_id", msg.ID).
		Str("platform_message_id", mid).
		Int("attempts", attempts).
		Msg("Message sent")

	return &Result{Status: StatusSent, PlatformMessageID: mid, Attempts: attempts}, nil
}

func (d *Dispatcher) fail(ctx context.Context, acct *models.Account, msg *models.OutboundMessage, err error, attempts int) (*Result, error) {
	kind := failure.KindOf(err)
	msg.Status = models.MessageFailed
	msg.Attempts += attempts
	msg.LastError = err.Error()
	if uerr := d.store.UpdateMessage(ctx, msg); uerr != nil {
		return nil, fmt.Errorf("failed to record failed message %d: %w", msg.ID, uerr)
	}

	if kind == failure.KindTokenExpired {
		if !acct.NeedsReconnect {
			if merr := d.store.MarkAccountReconnect(ctx, acct.ID); merr != nil {
				return nil, fmt.Errorf("failed to flag account %d: %w", acct.ID, merr)
			}
			acct.NeedsReconnect = true
		}
	}

	d.log.Warn().
		Err(err).
		Uint("message_id", msg.ID).
		Uint("trigger_id", msg.TriggerID).
		Str("kind", string(kind)).
		Int("attempts", attempts).
		Msg("Message send failed")

	return &Result{
		Status:   StatusFailed,
		Kind:     kind,
		Reason:   failure.ReasonOf(err),
		Attempts: attempts,
		Err:      err,
	}, nil
}

// Package poller scans connected accounts for comments the webhook missed and
// sweeps suspended triggers that are due to resume.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/engine"
	"github.com/dm-agent/internal/failure"
	"github.com/dm-agent/internal/metrics"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/source"
	"github.com/dm-agent/internal/source/comments"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/pkg/logger"
)

// Engine is the part of the engine a poll run drives
type Engine interface {
	Ingest(ctx context.Context, ev *models.Event) (*engine.IngestResult, error)
	ResumeDue(ctx context.Context, now time.Time) (*engine.SweepResult, error)
}

// Agent runs poll passes
type Agent struct {
	repository storage.Repository
	client     comments.Client
	engine     Engine
	cfg        config.PollerConfig
	metrics    *metrics.Metrics
	now        func() time.Time
	log        *logger.Logger
}

// Option configures an Agent
type Option func(*Agent)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithMetrics records poll outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// NewAgent creates a new poll agent
func NewAgent(
	repository storage.Repository,
	client comments.Client,
	eng Engine,
	cfg config.PollerConfig,
	log *logger.Logger,
	opts ...Option,
) *Agent {
	a := &Agent{
		repository: repository,
		client:     client,
		engine:     eng,
		cfg:        cfg,
		now:        time.Now,
		log:        log.WithComponent("poller"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result contains the results of a poll run
type Result struct {
	Accounts  int           `json:"accounts"`
	Scanned   int           `json:"scanned"`
	Created   int           `json:"created"`
	Processed int           `json:"processed"`
	Errors    []string      `json:"errors"`
	Duration  time.Duration `json:"-"`
}

// Run scans every poll-enabled account, ingests what it finds and queues
// due resumptions. Per-account failures are collected, not returned; the
// error is only set when the run could not start.
func (a *Agent) Run(ctx context.Context) (*Result, error) {
	startTime := a.now()
	result := &Result{Errors: []string{}}

	if a.cfg.Enabled {
		if err := a.scan(ctx, result); err != nil {
			a.metrics.PollRun("error")
			return nil, err
		}
	}

	sweep, err := a.engine.ResumeDue(ctx, a.now())
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("resume sweep: %v", err))
	} else {
		result.Processed = sweep.Enqueued
	}

	result.Duration = a.now().Sub(startTime)
	if len(result.Errors) > 0 {
		a.metrics.PollRun("partial")
	} else {
		a.metrics.PollRun("ok")
	}

	a.log.Info().
		Int("accounts", result.Accounts).
		Int("scanned", result.Scanned).
		Int("created", result.Created).
		Int("processed", result.Processed).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Poll completed")

	return result, nil
}

func (a *Agent) scan(ctx context.Context, result *Result) error {
	enabled := true
	accounts, err := a.repository.ListAccounts(ctx, storage.AccountFilter{PollEnabled: &enabled})
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	manager := source.NewManager()
	for _, acct := range accounts {
		if acct.NeedsReconnect {
			a.log.Debug().Str("account", acct.PlatformUserID).Msg("Skipping account awaiting reconnect")
			continue
		}
		manager.Register(comments.New(a.client, acct, a.cfg, a.log))
	}
	result.Accounts = len(manager.GetSources())

	// The cursor only moves to when this run started, so comments posted
	// while it ran are picked up next time.
	cursor := a.now().UTC()
	for _, batch := range manager.FetchAll(ctx, a.cfg.MaxConcurrency) {
		src, ok := batch.Source.(*comments.Source)
		if !ok {
			continue
		}
		acct := src.Account()

		if batch.Err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", src.Name(), batch.Err))
			if failure.KindOf(batch.Err) == failure.KindTokenExpired {
				if err := a.repository.MarkAccountReconnect(ctx, acct.ID); err != nil {
					a.log.Error().Err(err).Str("account", acct.PlatformUserID).Msg("Failed to flag account")
				}
			}
			continue
		}

		result.Scanned += len(batch.Events)
		if a.ingestAll(ctx, batch.Events, result) {
			if err := a.repository.SetAccountPolledAt(ctx, acct.ID, cursor); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", src.Name(), err))
			}
		}
	}
	return nil
}

// ingestAll reports whether every event was ingested.
func (a *Agent) ingestAll(ctx context.Context, evs []*models.Event, result *Result) bool {
	clean := true
	for _, ev := range evs {
		out, err := a.engine.Ingest(ctx, ev)
		if err != nil {
			clean = false
			result.Errors = append(result.Errors, fmt.Sprintf("comment %s: %v", ev.SourceID, err))
			a.log.Warn().Err(err).Str("source_id", ev.SourceID).Msg("Failed to ingest comment")
			continue
		}
		result.Created += len(out.Created)
	}
	return clean
}

// RunForAccount scans a single account by platform id
func (a *Agent) RunForAccount(ctx context.Context, platformUserID string) (*Result, error) {
	acct, err := a.repository.GetAccountByPlatformID(ctx, platformUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", platformUserID, err)
	}

	startTime := a.now()
	result := &Result{Accounts: 1, Errors: []string{}}
	src := comments.New(a.client, acct, a.cfg, a.log)

	evs, err := src.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", src.Name(), err)
	}
	result.Scanned = len(evs)
	if a.ingestAll(ctx, evs, result) {
		if err := a.repository.SetAccountPolledAt(ctx, acct.ID, startTime.UTC()); err != nil {
			return nil, err
		}
	}

	result.Duration = a.now().Sub(startTime)
	return result, nil
}

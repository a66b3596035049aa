// Package app assembles the engine and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dm-agent/internal/agent/poller"
	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/dispatch"
	"github.com/dm-agent/internal/engine"
	"github.com/dm-agent/internal/events"
	"github.com/dm-agent/internal/metrics"
	"github.com/dm-agent/internal/platform"
	"github.com/dm-agent/internal/source/webhook"
	"github.com/dm-agent/internal/storage/gormdb"
	"github.com/dm-agent/internal/tracker"
	"github.com/dm-agent/internal/worker"
	"github.com/dm-agent/pkg/logger"
	"github.com/dm-agent/pkg/ratelimit"
)

// App holds every long-lived component
type App struct {
	Config     *config.Config
	Repo       *gormdb.Repository
	Platform   *platform.Client
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Engine
	Poller     *poller.Agent
	Pool       *worker.Pool
	Receiver   *webhook.Receiver
	Metrics    *metrics.Metrics
	Publisher  events.Publisher
	Tracker    *tracker.SheetsTracker

	closers []func() error
	log     *logger.Logger
}

// New opens storage and wires the components. Close releases what it opened.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	repo, err := gormdb.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	if err := repo.Migrate(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New(cfg.Metrics.Namespace)
	}

	counters, err := a.counterStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	admitter := ratelimit.NewAdmitter(counters, cfg.RateLimit.BurstLimit, cfg.RateLimit.BurstWindow)

	limiter := ratelimit.NewMultiLimiter(cfg.Platform.RequestsPerSecond, cfg.Platform.Burst)
	a.Platform = platform.NewClient(cfg.Platform, limiter, log)
	a.Dispatcher = dispatch.New(a.Platform, admitter, repo, cfg.Dispatch, log)

	a.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		kafka, err := events.NewKafkaPublisher(cfg.Events.Kafka, log)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Publisher = kafka
		a.closers = append(a.closers, kafka.Close)
	}

	opts := []engine.Option{
		engine.WithPublisher(a.Publisher),
		engine.WithMetrics(a.Metrics),
	}
	a.Tracker, err = tracker.NewSheetsTracker(cfg.Tracker, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create lead tracker: %w", err)
	}
	if a.Tracker != nil {
		opts = append(opts, engine.WithLeadSink(a.Tracker))
	}

	a.Engine = engine.New(repo, a.Dispatcher, cfg.Engine, log, opts...)
	a.Pool = worker.New(repo, a.Engine, cfg.Worker, log, worker.WithMetrics(a.Metrics))
	a.Engine.SetNotifier(a.Pool.Notify)

	a.Poller = poller.NewAgent(repo, a.Platform, a.Engine, cfg.Poller, log, poller.WithMetrics(a.Metrics))
	a.Receiver = webhook.NewReceiver(a.Engine, cfg.Platform.AppSecret, cfg.Platform.VerifyToken, cfg.Engine.IngestTimeout, log)

	return a, nil
}

func (a *App) counterStore() (ratelimit.CounterStore, error) {
	switch a.Config.RateLimit.Store {
	case "redis":
		rc := a.Config.RateLimit.Redis
		client := goredis.NewClient(&goredis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return ratelimit.NewRedisStore(client, rc.KeyPrefix), nil
	case "memory":
		a.log.Warn().Msg("Using in-process send counters; caps are not shared between instances")
		return ratelimit.NewMemoryStore(), nil
	default:
		return gormdb.NewCounterStore(a.Repo.DB()), nil
	}
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

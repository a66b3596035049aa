package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dm-agent/internal/api"
	"github.com/dm-agent/internal/app"
	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dm-agent-server",
		Short: "DM automation daemon",
		Long: `Receives platform webhooks, runs the trigger worker pool and the
scheduled comment poll and resume sweeps.`,
		RunE: runServer,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting DM agent server")

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to release resources")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(api.Deps{
		Webhook: a.Receiver,
		Poller:  a.Poller,
		Breaker: a.Platform,
		Metrics: a.Metrics,
	}, cfg.Server, log)

	c, err := schedule(ctx, a)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Pool.Start(gctx)
		<-gctx.Done()
		a.Pool.Stop()
		return nil
	})

	g.Go(func() error {
		return server.Start(gctx)
	})

	g.Go(func() error {
		c.Start()
		log.Info().Int("jobs", len(c.Entries())).Msg("Scheduler started")
		<-gctx.Done()
		<-c.Stop().Done()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("DM agent server stopped")
	return err
}

// schedule registers the cron jobs; an empty expression leaves a job out.
func schedule(ctx context.Context, a *app.App) (*cron.Cron, error) {
	c := cron.New(cron.WithLogger(cronLogger{log}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})))

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"poll", cfg.Scheduler.PollCron, func(ctx context.Context) {
			result, err := a.Poller.Run(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Scheduled poll failed")
				return
			}
			for _, e := range result.Errors {
				log.Warn().Str("error", e).Msg("Poll error")
			}
		}},
		{"resume", cfg.Scheduler.ResumeCron, func(ctx context.Context) {
			result, err := a.Engine.ResumeDue(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("Scheduled resume sweep failed")
				return
			}
			log.Debug().
				Int("due", result.Due).
				Int("enqueued", result.Enqueued).
				Msg("Scheduled resume sweep completed")
		}},
		{"reclaim", cfg.Scheduler.ReclaimCron, func(ctx context.Context) {
			n, err := a.Pool.Reclaim(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Scheduled reclaim failed")
				return
			}
			if n > 0 {
				log.Warn().Int64("reclaimed", n).Msg("Reclaimed stale work items")
			}
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			log.Info().Str("job", job.name).Msg("Job disabled")
			continue
		}
		run := job.run
		if _, err := c.AddFunc(job.spec, func() { run(ctx) }); err != nil {
			return nil, fmt.Errorf("failed to schedule %s job: %w", job.name, err)
		}
		log.Info().Str("job", job.name).Str("cron", job.spec).Msg("Job scheduled")
	}
	return c, nil
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Package worker drains the durable work queue with a fixed pool of
// goroutines. Items are claimed in batches on a ticker or when notified, and
// no two items of the same trigger run at once.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/metrics"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/logger"
)

// Processor handles one work item
type Processor interface {
	Process(ctx context.Context, item *models.WorkItem) error
}

// Failer is implemented by processors that settle the work behind an item
// once the pool stops retrying it.
type Failer interface {
	WorkFailed(ctx context.Context, item *models.WorkItem, cause error) error
}

// Queue is the durable queue the pool drains
type Queue interface {
	Claim(ctx context.Context, now time.Time, limit int) ([]*models.WorkItem, error)
	CompleteWork(ctx context.Context, id uint) error
	ReleaseWork(ctx context.Context, id uint, availableAt time.Time, reason string) error
	FailWork(ctx context.Context, id uint, reason string) error
	ReclaimStale(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// Pool runs queued work
type Pool struct {
	queue   Queue
	proc    Processor
	cfg     config.WorkerConfig
	metrics *metrics.Metrics
	now     func() time.Time
	log     *logger.Logger

	locks  *keyedMutex
	wake   chan struct{}
	work   chan *models.WorkItem
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMetrics records per-item counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates a worker pool
func New(queue Queue, proc Processor, cfg config.WorkerConfig, log *logger.Logger, opts ...Option) *Pool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = cfg.Count
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	p := &Pool{
		queue: queue,
		proc:  proc,
		cfg:   cfg,
		now:   time.Now,
		log:   log.WithComponent("worker"),
		locks: newKeyedMutex(),
		wake:  make(chan struct{}, 1),
		work:  make(chan *models.WorkItem, cfg.Count),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify wakes the claim loop. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers and the claim loop
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.work)

		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		p.fill(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.fill(ctx)
			case <-p.wake:
				p.fill(ctx)
			}
		}
	}()

	p.log.Info().
		Int("workers", p.cfg.Count).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Worker pool started")
}

// Stop cancels the pool and waits for in-flight items
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

// fill claims batches until the queue has nothing due or the pool is
// saturated.
func (p *Pool) fill(ctx context.Context) {
	for ctx.Err() == nil {
		items, err := p.queue.Claim(ctx, p.now().UTC(), p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error().Err(err).Msg("Failed to claim work")
			}
			return
		}
		for i, item := range items {
			select {
			case p.work <- item:
			case <-ctx.Done():
				p.releaseAll(items[i:])
				return
			}
		}
		if len(items) < p.cfg.BatchSize {
			return
		}
	}
}

// releaseAll hands claimed but unstarted items back to the queue.
func (p *Pool) releaseAll(items []*models.WorkItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, item := range items {
		if err := p.queue.ReleaseWork(ctx, item.ID, p.now().UTC(), "shutdown"); err != nil {
			p.log.Warn().Err(err).Uint("item_id", item.ID).Msg("Failed to release work item")
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for item := range p.work {
		if ctx.Err() != nil {
			p.releaseAll([]*models.WorkItem{item})
			continue
		}
		p.Handle(ctx, item)
	}
	p.log.Debug().Int("worker", id).Msg("Worker exiting")
}

// Handle processes one claimed item and settles it in the queue.
func (p *Pool) Handle(ctx context.Context, item *models.WorkItem) {
	unlock := p.locks.Lock(item.TriggerID)
	defer unlock()

	start := p.now()
	log := p.log.WithTriggerID(item.TriggerID)
	err := p.proc.Process(ctx, item)
	took := p.now().Sub(start)

	// Settle with a fresh context so a cancelled run still records the outcome.
	settle, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch {
	case err == nil:
		p.metrics.Work(string(item.Reason), "done", took)
		if cerr := p.queue.CompleteWork(settle, item.ID); cerr != nil {
			log.Error().Err(cerr).Uint("item_id", item.ID).Msg("Failed to complete work item")
		}

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.metrics.Work(string(item.Reason), "released", took)
		if rerr := p.queue.ReleaseWork(settle, item.ID, p.now().UTC(), err.Error()); rerr != nil {
			log.Error().Err(rerr).Uint("item_id", item.ID).Msg("Failed to release work item")
		}

	case item.Attempts >= p.cfg.MaxAttempts:
		p.metrics.Work(string(item.Reason), "failed", took)
		log.Error().Err(err).Uint("item_id", item.ID).Int("attempts", item.Attempts).Msg("Work item failed permanently")
		if ferr := p.queue.FailWork(settle, item.ID, err.Error()); ferr != nil {
			log.Error().Err(ferr).Uint("item_id", item.ID).Msg("Failed to mark work item failed")
		}
		if f, ok := p.proc.(Failer); ok {
			if ferr := f.WorkFailed(settle, item, err); ferr != nil {
				log.Error().Err(ferr).Uint("item_id", item.ID).Msg("Failed to settle trigger of failed work item")
			}
		}

	default:
		p.metrics.Work(string(item.Reason), "retry", took)
		retryAt := p.now().UTC().Add(p.cfg.ReleaseDelay * time.Duration(item.Attempts))
		log.Warn().Err(err).
			Uint("item_id", item.ID).
			Int("attempts", item.Attempts).
			Time("retry_at", retryAt).
			Msg("Work item will be retried")
		if rerr := p.queue.ReleaseWork(settle, item.ID, retryAt, err.Error()); rerr != nil {
			log.Error().Err(rerr).Uint("item_id", item.ID).Msg("Failed to release work item")
		}
	}
}

// RunOnce claims and processes everything due now on the caller's
// goroutine. Used by the CLI and tests.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		items, err := p.queue.Claim(ctx, p.now().UTC(), p.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			return total, nil
		}
		for _, item := range items {
			p.Handle(ctx, item)
		}
		total += len(items)
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

// Reclaim returns items claimed longer ago than StaleAfter to the queue.
func (p *Pool) Reclaim(ctx context.Context) (int64, error) {
	if p.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	n, err := p.queue.ReclaimStale(ctx, p.now().UTC().Add(-p.cfg.StaleAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Warn().Int64("reclaimed", n).Msg("Stale work items returned to the queue")
		p.Notify()
	}
	return n, nil
}

// Package janitor implements background cleanup of expired records and orphan
// blobs. It runs independently from the app Service so that periodic deletion
// stays off the request path. Expiry is also enforced lazily at read time, so
// the janitor only bounds how long expired ciphertext lingers in storage.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/burnbox/internal/app"
)

// Store is the subset of app.RecordStore the Janitor requires.
type Store interface {
	// DeleteExpired deletes records whose deadline is <= t and returns the number removed.
	DeleteExpired(ctx context.Context, t time.Time) (int, error)
	// Reconcile removes orphan blobs.
	Reconcile(ctx context.Context) error
}

// Collector receives janitor metrics. *metrics.Manager satisfies it.
type Collector interface {
	Inc(name string, delta int64)
	Observe(name string, v int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // how often a cycle begins
	// ReconcileEvery runs orphan reconciliation on every Nth cycle (default 1).
	ReconcileEvery int
	Clock          app.Clock    // optional; defaults to wall clock
	Logger         *slog.Logger // optional logger (defaults to slog.Default())
}

// MetricsView is a read-only snapshot of the janitor's own counters.
type MetricsView struct {
	Cycles              uint64
	Deleted             uint64
	Errors              uint64
	CycleLastDurationMS int64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Janitor encapsulates the background cleanup loop.
type Janitor struct {
	store     Store
	collector Collector
	cfg       Config

	mu    sync.Mutex
	stats MetricsView

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. collector may be nil.
func New(store Store, collector Collector, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		collector: collector,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine. Calling Start twice is
// a no-op.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ticker != nil {
		return
	}
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx, j.ticker)
}

// Stop signals the loop to exit and waits for completion. It is safe to call
// on a janitor that was never started.
func (j *Janitor) Stop() {
	j.mu.Lock()
	started := j.ticker != nil
	j.mu.Unlock()
	j.once.Do(func() { close(j.stopCh) })
	if started {
		<-j.doneCh
	}
}

// MetricsSnapshot returns a copy of current janitor counters.
func (j *Janitor) MetricsSnapshot() MetricsView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Janitor) loop(ctx context.Context, ticker *time.Ticker) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one expiry sweep and, on every ReconcileEvery-th cycle,
// an orphan blob reconciliation.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	var failures uint64

	count, err := j.store.DeleteExpired(ctx, j.cfg.Clock.Now())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("expire", "error", err)
		failures++
	}

	j.mu.Lock()
	cycle := j.stats.Cycles + 1
	j.mu.Unlock()
	if cycle%uint64(j.cfg.ReconcileEvery) == 0 {
		if rerr := j.store.Reconcile(ctx); rerr != nil && !errors.Is(rerr, context.Canceled) {
			log.Error("reconcile", "error", rerr)
			failures++
		}
	}

	elapsed := time.Since(start)
	j.mu.Lock()
	j.stats.Cycles++
	if count > 0 {
		j.stats.Deleted += uint64(count)
	}
	j.stats.Errors += failures
	j.stats.CycleLastDurationMS = elapsed.Milliseconds()
	j.mu.Unlock()

	if j.collector != nil {
		if count > 0 {
			j.collector.Inc(app.CounterRecordsExpiredDelete, int64(count))
		}
		j.collector.Observe(app.SummaryJanitorDeletedPerCycle, int64(count))
	}
	log.Info("cycle complete", "deleted", count, "ms", elapsed.Milliseconds())
}

package expiry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"apicache/internal/cache"
	"apicache/internal/metrics"
)

// Config holds the configuration for the expiry worker
type Config struct {
	// Interval between expiry checks
	Interval time.Duration

	// SampleSize is the number of rows to sample each cycle
	SampleSize int

	// ExpiryThreshold is the ratio of expired rows that triggers a hard delete
	// e.g., 0.25 means if >=25% of sampled rows are expired, run hard delete
	ExpiryThreshold float64

	// DeleteBatchSize is the max number of rows to hard delete per cycle
	DeleteBatchSize int

	// Timeout bounds the database work of one cycle
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults (Redis-like)
func DefaultConfig() Config {
	return Config{
		Interval:        time.Minute,
		SampleSize:      20,
		ExpiryThreshold: 0.25,
		DeleteBatchSize: 500,
		Timeout:         5 * time.Second,
	}
}

// Sweeper is the durable side of expiry. *store.Store implements it.
type Sweeper interface {
	SampleExpiredKeys(ctx context.Context, now time.Time, sampleSize int) (total int, expired int, err error)
	HardDeleteBatch(ctx context.Context, now time.Time, limit int) (int64, error)
}

// Deps are the tiers and reporting hooks the worker cleans and reports to.
// Store may be nil when the cache runs memory only.
type Deps struct {
	Store   Sweeper
	Memory  *cache.Cache
	Clock   cache.Clock
	Logger  *slog.Logger
	Metrics metrics.Recorder
}

// Worker physically removes expired entries in the background.
// Reads already ignore expired entries, so this only reclaims space.
type Worker struct {
	deps   Deps
	config Config

	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewWorker creates a new expiry worker
func NewWorker(d Deps, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = def.SampleSize
	}
	if cfg.DeleteBatchSize <= 0 {
		cfg.DeleteBatchSize = def.DeleteBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if d.Clock == nil {
		d.Clock = cache.SystemClock{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	return &Worker{
		deps:   d,
		config: cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins the background expiry process. Calls after the first are no-ops.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()

		w.deps.Logger.Info("[EXPIRY] worker started",
			"interval", w.config.Interval,
			"sample", w.config.SampleSize,
			"threshold", w.config.ExpiryThreshold)

		for {
			select {
			case <-ticker.C:
				w.runCycle()
			case <-w.stopCh:
				w.deps.Logger.Info("[EXPIRY] worker stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the expiry worker and waits for the loop to exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.done
	}
}

// runCycle performs one expiry check cycle (Redis-style sampling)
func (w *Worker) runCycle() {
	if w.deps.Memory != nil {
		n := w.deps.Memory.Purge()
		w.deps.Metrics.Expired(metrics.TierMemory, n)
		if n > 0 {
			w.deps.Logger.Debug("[EXPIRY] purged memory entries", "count", n)
		}
	}

	if w.deps.Store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.config.Timeout)
	defer cancel()
	now := w.deps.Clock.Now()

	// Step 1: Sample rows
	total, expired, err := w.deps.Store.SampleExpiredKeys(ctx, now, w.config.SampleSize)
	if err != nil {
		w.deps.Logger.Warn("[EXPIRY] sample error", "err", err)
		return
	}
	if total == 0 {
		return
	}

	ratio := float64(expired) / float64(total)

	// Step 2: Check if we should run aggressive cleanup
	if ratio < w.config.ExpiryThreshold {
		w.deps.Logger.Debug("[EXPIRY] skipping cleanup",
			"sampled", total, "expired", expired, "ratio", ratio)
		return
	}

	// Step 3: Run batched hard delete
	deleted, err := w.deps.Store.HardDeleteBatch(ctx, now, w.config.DeleteBatchSize)
	if err != nil {
		w.deps.Logger.Warn("[EXPIRY] hard delete error", "err", err)
		return
	}
	w.deps.Metrics.Expired(metrics.TierDurable, int(deleted))
	w.deps.Logger.Info("[EXPIRY] hard deleted rows",
		"sampled", total, "expired", expired, "deleted", deleted)
}

// ForceCleanup purges memory and hard deletes one batch of expired rows,
// skipping the sampling step.
func (w *Worker) ForceCleanup(ctx context.Context) (int64, error) {
	var purged int64
	if w.deps.Memory != nil {
		n := w.deps.Memory.Purge()
		w.deps.Metrics.Expired(metrics.TierMemory, n)
		purged += int64(n)
	}
	if w.deps.Store == nil {
		return purged, nil
	}
	deleted, err := w.deps.Store.HardDeleteBatch(ctx, w.deps.Clock.Now(), w.config.DeleteBatchSize)
	if err != nil {
		return purged, err
	}
	w.deps.Metrics.Expired(metrics.TierDurable, int(deleted))
	return purged + deleted, nil
}

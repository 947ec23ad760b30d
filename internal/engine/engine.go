package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"apicache/internal/cache"
	"apicache/internal/metrics"
	"apicache/internal/store"
)

// DefaultTTL applies when Set is called with a zero TTL
const DefaultTTL = 24 * time.Hour

// DefaultQueryTimeout bounds every durable backend call
const DefaultQueryTimeout = 2 * time.Second

var (
	ErrInvalidTTL     = errors.New("engine: negative ttl")
	ErrInvalidPayload = errors.New("engine: payload is not valid JSON")
)

// Durable is the persistent tier. *store.Store implements it.
type Durable interface {
	Get(ctx context.Context, key string) (store.Record, bool, error)
	Upsert(ctx context.Context, key string, payload []byte, expiresAt time.Time) error
	Delete(ctx context.Context, key string) error
}

// Loader fetches a fresh payload from upstream on a cache miss
type Loader func(ctx context.Context) (any, error)

// Options configures an Engine. Zero values pick the defaults.
type Options struct {
	DefaultTTL   time.Duration
	QueryTimeout time.Duration
	Clock        cache.Clock
	Logger       *slog.Logger
	Metrics      metrics.Recorder
}

// Stats is a snapshot of engine counters
type Stats struct {
	Hits             int64
	Misses           int64
	DurableFailures  int64
	DurableWrites    int64
	MemoryWrites     int64
	DurableAvailable bool
}

// Engine is the response cache. It coordinates the durable store and the
// in-memory cache and never surfaces a backend failure to the caller.
type Engine struct {
	memory  *cache.Cache
	durable Durable

	defaultTTL   time.Duration
	queryTimeout time.Duration
	clock        cache.Clock
	log          *slog.Logger
	metrics      metrics.Recorder

	sf singleflight.Group

	hits, misses, failures, durableWrites, memoryWrites atomic.Int64
}

// New creates a new Engine. A nil durable runs memory only.
func New(durable Durable, opts Options) *Engine {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Clock == nil {
		opts.Clock = cache.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Engine{
		memory:       cache.New(opts.Clock),
		durable:      durable,
		defaultTTL:   opts.DefaultTTL,
		queryTimeout: opts.QueryTimeout,
		clock:        opts.Clock,
		log:          opts.Logger,
		metrics:      opts.Metrics,
	}
}

type durableOutcome int

const (
	durableHit durableOutcome = iota
	durableMiss
	durableUnavailable
)

func (o durableOutcome) String() string {
	switch o {
	case durableHit:
		return "hit"
	case durableMiss:
		return "miss"
	default:
		return "unavailable"
	}
}

// Get returns the live payload stored under key.
// Read path:
//  1. Durable store, when configured. A live row is returned unless memory
//     holds a live entry for the key, which is always the newer write.
//  2. Durable miss, expired row, or backend failure: fall through to memory.
//  3. Memory hit returns the payload; otherwise the key is absent.
//
// Get never extends an entry's TTL.
func (e *Engine) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	start := time.Now()

	if e.durable != nil {
		payload, outcome := e.durableGet(ctx, key)
		if outcome == durableHit {
			// memory only holds a key after a failed durable write, and a
			// successful durable write drops it
			if entry, ok := e.memory.Get(key); ok {
				e.log.Debug("[GET] fallback write is newer than durable row", "key", key)
				return e.memoryHit(key, entry, start), true
			}
			e.hits.Add(1)
			e.metrics.Lookup(metrics.TierDurable, metrics.ResultHit)
			e.log.Debug("[GET]", "key", key, "source", "db", "time", time.Since(start))
			return payload, true
		}
		if outcome == durableMiss {
			e.metrics.Lookup(metrics.TierDurable, metrics.ResultMiss)
		}
		e.log.Debug("[GET] falling back to memory", "key", key, "durable", outcome)
	}

	entry, ok := e.memory.Get(key)
	if !ok {
		e.misses.Add(1)
		e.metrics.Lookup(metrics.TierMemory, metrics.ResultMiss)
		e.log.Debug("[GET]", "key", key, "source", "none", "time", time.Since(start))
		return nil, false
	}
	return e.memoryHit(key, entry, start), true
}

func (e *Engine) memoryHit(key string, entry cache.Entry, start time.Time) json.RawMessage {
	e.hits.Add(1)
	e.metrics.Lookup(metrics.TierMemory, metrics.ResultHit)
	e.log.Debug("[GET]", "key", key, "source", "memory", "time", time.Since(start))
	return json.RawMessage(entry.Payload)
}

// Set stores payload under key until now+ttl. A zero ttl means the default
// TTL. payload must be JSON-serializable; json.RawMessage is stored as is.
// Backend failures are absorbed: the write then lands in memory.
func (e *Engine) Set(ctx context.Context, key string, payload any, ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, ttl)
	}
	if ttl == 0 {
		ttl = e.defaultTTL
	}
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("engine: set %q: %w", key, err)
	}

	start := time.Now()
	expiresAt := e.clock.Now().Add(ttl)

	if e.durable != nil && e.durableSet(ctx, key, raw, expiresAt) {
		// drop any fallback copy so an older payload cannot resurface
		e.memory.Delete(key)
		e.durableWrites.Add(1)
		e.metrics.Write(metrics.TierDurable)
		e.log.Debug("[SET]", "key", key, "ttl", ttl, "source", "db", "time", time.Since(start))
		return nil
	}

	e.memory.Set(key, raw, expiresAt)
	e.memoryWrites.Add(1)
	e.metrics.Write(metrics.TierMemory)
	e.log.Debug("[SET]", "key", key, "ttl", ttl, "source", "memory", "time", time.Since(start))
	return nil
}

// Delete removes key from both tiers, best effort
func (e *Engine) Delete(ctx context.Context, key string) {
	e.memory.Delete(key)
	if e.durable == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()
	if err := e.durable.Delete(ctx, key); err != nil {
		e.durableFailed("delete", key, err)
	}
}

// Remember returns the cached payload for key, or calls load, caches its
// result for ttl and returns it. Concurrent misses on one key share a single
// load, which is not canceled when the caller that started it gives up.
// Loader errors are returned and nothing is cached.
func (e *Engine) Remember(ctx context.Context, key string, ttl time.Duration, load Loader) (json.RawMessage, error) {
	if payload, ok := e.Get(ctx, key); ok {
		return payload, nil
	}

	v, err, shared := e.sf.Do(key, func() (any, error) {
		// a flight that just finished may have filled the key
		if payload, ok := e.Get(ctx, key); ok {
			return payload, nil
		}

		loadCtx := context.WithoutCancel(ctx)
		val, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		raw, err := encode(val)
		if err != nil {
			return nil, fmt.Errorf("engine: remember %q: %w", key, err)
		}
		if err := e.Set(loadCtx, key, raw, ttl); err != nil {
			return nil, err
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}

	raw := v.(json.RawMessage)
	if shared {
		raw = append(json.RawMessage(nil), raw...)
	}
	return raw, nil
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:             e.hits.Load(),
		Misses:           e.misses.Load(),
		DurableFailures:  e.failures.Load(),
		DurableWrites:    e.durableWrites.Load(),
		MemoryWrites:     e.memoryWrites.Load(),
		DurableAvailable: e.durable != nil,
	}
}

// Memory returns the in-memory tier (for the expiry worker and tests)
func (e *Engine) Memory() *cache.Cache {
	return e.memory
}

func (e *Engine) durableGet(ctx context.Context, key string) (json.RawMessage, durableOutcome) {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	rec, found, err := e.durable.Get(ctx, key)
	e.metrics.DurableDuration("get", time.Since(start))
	if err != nil {
		e.durableFailed("get", key, err)
		return nil, durableUnavailable
	}
	if !found || e.clock.Now().After(rec.ExpiresAt) {
		return nil, durableMiss
	}
	return json.RawMessage(rec.Payload), durableHit
}

func (e *Engine) durableSet(ctx context.Context, key string, raw []byte, expiresAt time.Time) bool {
	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	err := e.durable.Upsert(ctx, key, raw, expiresAt)
	e.metrics.DurableDuration("upsert", time.Since(start))
	if err != nil {
		e.durableFailed("upsert", key, err)
		return false
	}
	return true
}

func (e *Engine) durableFailed(op, key string, err error) {
	e.failures.Add(1)
	e.metrics.DurableFailure(op)
	attrs := []any{"op", op, "key", key, "err", err}
	if store.IsSchemaMissing(err) {
		attrs = append(attrs, "hint", "cache table missing, run with -migrate")
	}
	e.log.Warn("[DB] durable backend unavailable, using memory", attrs...)
}

func encode(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrInvalidPayload
		}
		return append(json.RawMessage(nil), raw...), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return raw, nil
}

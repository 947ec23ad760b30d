package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"apicache/internal/config"
	"apicache/internal/engine"
	"apicache/internal/expiry"
	"apicache/internal/keys"
	"apicache/internal/metrics"
	"apicache/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		migrate    = flag.Bool("migrate", false, "create the cache table before starting")
		demo       = flag.Bool("demo", true, "run the sample write/read cycle")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := openDurable(ctx, cfg, *migrate)
	if err != nil {
		logger.Error("durable backend", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New("apicache", reg)

	opts := engine.Options{
		DefaultTTL:   cfg.DefaultTTL,
		QueryTimeout: cfg.QueryTimeout,
		Logger:       logger,
		Metrics:      m,
	}

	var e *engine.Engine
	var sweeper expiry.Sweeper
	if db != nil {
		defer db.Close()
		e = engine.New(db, opts)
		sweeper = db
	} else {
		e = engine.New(nil, opts)
	}
	logger.Info("cache ready", "backend", cfg.Backend, "durable", db != nil, "default_ttl", cfg.DefaultTTL)

	if cfg.Expiry.Interval > 0 {
		w := expiry.NewWorker(expiry.Deps{
			Store:   sweeper,
			Memory:  e.Memory(),
			Logger:  logger,
			Metrics: m,
		}, expiry.Config{
			Interval:        cfg.Expiry.Interval,
			SampleSize:      cfg.Expiry.SampleSize,
			ExpiryThreshold: cfg.Expiry.Threshold,
			DeleteBatchSize: cfg.Expiry.BatchSize,
		})
		w.Start()
		defer w.Stop()
	}

	if *demo {
		runDemo(ctx, e, logger)
	}

	if cfg.MetricsAddr == "" {
		return
	}
	serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
}

// openDurable returns nil when the cache should run memory only. In auto
// mode an unreachable database is not fatal: the handle is kept and each
// call falls back to memory until the database answers.
func openDurable(ctx context.Context, cfg config.Config, migrate bool) (*store.Store, error) {
	if !cfg.UseDurable() {
		return nil, nil
	}

	s, err := store.Connect(cfg.DatabaseURL, cfg.Table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Ping(ctx); err != nil {
		if cfg.Backend == config.BackendPostgres {
			s.Close()
			return nil, err
		}
		slog.Warn("database unreachable at startup, falling back to memory per call", "err", err)
		if migrate {
			slog.Warn("skipping migration, database unreachable")
		}
		return s, nil
	}
	if migrate {
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func runDemo(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	type event struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	key := keys.New("events").Or("Madison Square Garden", "all").Part("NY").Part("").String()
	if err := e.Set(ctx, key, []event{{ID: "evt1", Name: "Show A"}}, keys.EventsTTL); err != nil {
		logger.Error("set", "key", key, "err", err)
		return
	}
	if events, ok := engine.GetAs[[]event](ctx, e, key); ok {
		logger.Info("cached events", "key", key, "events", events)
	}

	listings := keys.New("facilities").Part("Austin", "TX").Set("yoga", "crossfit").String()
	for i := 0; i < 2; i++ {
		raw, err := e.Remember(ctx, listings, keys.ListingTTL, func(context.Context) (any, error) {
			logger.Info("upstream fetch", "key", listings)
			return []map[string]string{{"name": "Austin Yoga Collective"}, {"name": "CrossFit Central"}}, nil
		})
		if err != nil {
			logger.Error("remember", "key", listings, "err", err)
			return
		}
		logger.Info("listings", "key", listings, "payload", string(raw))
	}

	logger.Info("stats", "stats", e.Stats())
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server", "err", err)
	}
}

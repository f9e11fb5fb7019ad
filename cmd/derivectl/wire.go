package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/draftforge/draftforge/client"
	"github.com/draftforge/draftforge/client/anthropic"
	"github.com/draftforge/draftforge/client/clienttest"
	"github.com/draftforge/draftforge/client/gemini"
	"github.com/draftforge/draftforge/client/openai"
	"github.com/draftforge/draftforge/config"
	"github.com/draftforge/draftforge/event"
	"github.com/draftforge/draftforge/pipeline"
	"github.com/draftforge/draftforge/ratelimit"
	"github.com/draftforge/draftforge/sink"
	"github.com/draftforge/draftforge/state"
	"github.com/draftforge/draftforge/workers/aggregate"
	"github.com/draftforge/draftforge/workers/gen"
	"github.com/draftforge/draftforge/workers/media"
	"github.com/draftforge/draftforge/workers/parser"
)

// app is the assembled engine: bus, store, sinks, orchestrator and the
// metrics endpoint, built from one Config.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	bus   *event.Bus
	store state.Store
	orch  *pipeline.Orchestrator

	aggregators []*aggregate.Worker
	metricsSrv  *http.Server
	closers     []io.Closer
}

// buildApp wires the whole pipeline from a validated configuration.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))

	a := &app{cfg: cfg, log: logger}

	var metrics *pipeline.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = pipeline.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", slog.Any("error", err))
			}
		}()
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	a.store = store

	objects, err := a.buildObjectStore()
	if err != nil {
		return nil, err
	}

	clients, err := a.buildClients(ctx)
	if err != nil {
		return nil, err
	}

	a.bus = event.NewBus()

	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	}
	if cfg.Output.SlackToken != "" && cfg.Output.SlackChannel != "" {
		chat, err := sink.NewSlackChat(cfg.Output.SlackToken)
		if err != nil {
			return nil, fmt.Errorf("slack sink: %w", err)
		}
		opts = append(opts, pipeline.WithNotifier(chat, cfg.Output.SlackChannel))
	}
	if cfg.State.RedisURL != "" {
		board, err := sink.NewRedisKV(ctx, cfg.State.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("status board: %w", err)
		}
		a.closers = append(a.closers, board)
		opts = append(opts, pipeline.WithStatusBoard(board, cfg.State.ExecutionTTL()))
	}
	if cfg.Output.VCSURL != "" {
		vcs, err := sink.NewHTTPVCS(sink.HTTPVCSConfig{
			BaseURL:    cfg.Output.VCSURL,
			Token:      cfg.Output.VCSToken,
			Timeout:    cfg.API.Timeout(),
			MaxRetries: cfg.API.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("vcs sink: %w", err)
		}
		opts = append(opts, pipeline.WithReportPublisher(vcs, cfg.Output.VCSBranch, cfg.Output.ReportPrefix))
	}
	a.orch = pipeline.NewOrchestrator(a.bus, store, opts...)

	if err := a.registerRoles(clients, objects); err != nil {
		return nil, err
	}
	return a, nil
}

// registerRoles populates the worker pool per the configured counts.
func (a *app) registerRoles(clients gen.Clients, objects sink.ObjectStore) error {
	cfg := a.cfg
	pool := a.orch.Pool()
	concurrency := pipeline.WithMaxConcurrent(int64(cfg.Workers.MaxConcurrentTasks))
	retry := pipeline.WithRetryPolicy(pipeline.RetryPolicy{
		MaxRetries:   cfg.API.MaxRetries,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	})

	if err := pool.AddRole(parser.Role, cfg.Workers.Counts.Parser, func(i int) pipeline.Worker {
		return parser.New(i, parser.WithLogger(a.log))
	}, concurrency, retry); err != nil {
		return err
	}

	if err := pool.AddRole(gen.Role, cfg.Workers.Counts.AI, func(i int) pipeline.Worker {
		w, err := gen.New(i, clients, gen.WithLogger(a.log))
		if err != nil {
			// clients were validated at build time
			panic(err)
		}
		return w
	}, concurrency, retry); err != nil {
		return err
	}

	if err := pool.AddRole(media.Role, cfg.Workers.Counts.Media, func(i int) pipeline.Worker {
		w, err := media.New(i, objects, media.WithLogger(a.log))
		if err != nil {
			panic(err)
		}
		return w
	}, concurrency, retry); err != nil {
		return err
	}

	return pool.AddRole(aggregate.Role, cfg.Workers.Counts.Aggregator, func(i int) pipeline.Worker {
		w, err := aggregate.New(i, objects,
			aggregate.WithLogger(a.log),
			aggregate.WithOutputPrefix(cfg.Output.ReportPrefix),
			aggregate.WithRetention(cfg.State.ExecutionTTL()))
		if err != nil {
			panic(err)
		}
		a.aggregators = append(a.aggregators, w)
		return w
	}, concurrency, retry)
}

// buildStore picks the execution-store backend: redis, then mysql, then
// sqlite, then file, then memory.
func (a *app) buildStore(ctx context.Context) (state.Store, error) {
	cfg := a.cfg.State
	switch {
	case cfg.RedisURL != "":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("state.redis_url: %w", err)
		}
		store, err := state.NewRedisStore(opts, "")
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case cfg.MySQLDSN != "":
		store, err := state.NewMySQLStore(cfg.MySQLDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case cfg.SQLitePth != "":
		store, err := state.NewSQLiteStore(cfg.SQLitePth)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case cfg.FileRoot != "":
		return state.NewFileStore(cfg.FileRoot)
	default:
		a.log.Warn("no durable state backend configured, using memory")
		return state.NewMemoryStore(), nil
	}
}

// buildObjectStore returns the artifact sink: HTTP when configured, in
// memory otherwise.
func (a *app) buildObjectStore() (sink.ObjectStore, error) {
	out := a.cfg.Output
	if out.ObjectStoreURL == "" {
		a.log.Warn("no object store configured, artifacts stay in memory")
		return sink.NewMemoryObjectStore(), nil
	}
	return sink.NewHTTPObjectStore(sink.HTTPObjectStoreConfig{
		BaseURL:    out.ObjectStoreURL,
		Token:      out.ObjectStoreToken,
		Timeout:    a.cfg.API.Timeout(),
		MaxRetries: a.cfg.API.MaxRetries,
	})
}

// buildClients assembles the per-provider generator stacks: provider
// adapter, then rate limit + breaker + retry, then the response cache.
// Providers without a key fall back to the deterministic mock so
// development runs work offline.
func (a *app) buildClients(ctx context.Context) (gen.Clients, error) {
	cfg := a.cfg.API

	article, err := a.wrap(func() (client.Generator, error) {
		if cfg.OpenAIAPIKey == "" {
			return clienttest.NewMock("mock-openai"), nil
		}
		return openai.New(cfg.OpenAIAPIKey, "")
	}, cfg.OpenAIRateLimit)
	if err != nil {
		return gen.Clients{}, fmt.Errorf("openai client: %w", err)
	}

	script, err := a.wrap(func() (client.Generator, error) {
		if cfg.AnthropicAPIKey == "" {
			return clienttest.NewMock("mock-anthropic"), nil
		}
		return anthropic.New(cfg.AnthropicAPIKey, "")
	}, cfg.AnthropicRateLimit)
	if err != nil {
		return gen.Clients{}, fmt.Errorf("anthropic client: %w", err)
	}

	micro, err := a.wrap(func() (client.Generator, error) {
		if cfg.GoogleAPIKey == "" {
			return clienttest.NewMock("mock-gemini"), nil
		}
		return gemini.New(ctx, cfg.GoogleAPIKey, "")
	}, cfg.GoogleRateLimit)
	if err != nil {
		return gen.Clients{}, fmt.Errorf("gemini client: %w", err)
	}

	return gen.Clients{Article: article, Script: script, MicroPost: micro}, nil
}

func (a *app) wrap(build func() (client.Generator, error), rate int) (client.Generator, error) {
	inner, err := build()
	if err != nil {
		return nil, err
	}
	if closer, ok := inner.(client.Closer); ok {
		a.closers = append(a.closers, closer)
	}

	resilient := client.NewResilient(inner, client.ResilientConfig{
		Limiter: ratelimit.New(ratelimit.Config{Limit: rate, Window: time.Minute}),
		Retry: client.RetryConfig{
			MaxAttempts: a.cfg.API.MaxRetries + 1,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
	})
	return client.NewCached(resilient, client.CacheConfig{
		MaxEntries: a.cfg.Cache.Size,
		TTL:        a.cfg.Cache.TTL(),
	}), nil
}

// start launches the engine and its background maintenance.
func (a *app) start(ctx context.Context) {
	a.orch.Start(ctx)
	for _, agg := range a.aggregators {
		go agg.Janitor(ctx, time.Hour)
	}
	go a.stateJanitor(ctx)
}

// stateJanitor prunes terminal execution records past the retention
// window.
func (a *app) stateJanitor(ctx context.Context) {
	ttl := a.cfg.State.ExecutionTTL()
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := state.CleanupOlderThan(ctx, a.store, ttl)
			if err != nil {
				a.log.Warn("state cleanup failed", slog.Any("error", err))
			} else if n > 0 {
				a.log.Debug("state records pruned", slog.Int("removed", n))
			}
		}
	}
}

// stop shuts everything down.
func (a *app) stop() {
	a.orch.Stop()
	if a.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close failed", slog.Any("error", err))
		}
	}
}

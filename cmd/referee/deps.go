package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/programme-lv/referee/internal/environment"
	"github.com/programme-lv/referee/internal/gatherer"
	"github.com/programme-lv/referee/internal/gatherer/natsgath"
	"github.com/programme-lv/referee/internal/gatherer/sqsgath"
	"github.com/programme-lv/referee/internal/intake"
	"github.com/programme-lv/referee/internal/logger"
	"github.com/programme-lv/referee/internal/records"
	"github.com/programme-lv/referee/internal/records/pgstore"
	"github.com/programme-lv/referee/internal/referee"
	"github.com/programme-lv/referee/internal/resultcache"
	"github.com/programme-lv/referee/internal/sandbox"
	"github.com/programme-lv/referee/internal/workerpool"
)

// app holds the process-wide components built from the environment.
type app struct {
	cfg     *environment.EnvConfig
	store   records.Store
	pool    *workerpool.Pool
	svc     *referee.Service
	closers []func()
}

// newStatusStore picks Redis when configured so that status survives the
// process, and memory otherwise.
func newStatusStore(ctx context.Context, cfg *environment.EnvConfig) (workerpool.StatusStore, func(), error) {
	if cfg.RedisAddr == "" {
		return workerpool.NewMemStatusStore(cfg.StatusTTL), func() {}, nil
	}
	rp, err := workerpool.NewRedisPool(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	return workerpool.NewRedisStatusStore(rp, cfg.StatusTTL), func() { rp.Close() }, nil
}

func newStore(ctx context.Context, cfg *environment.EnvConfig) (records.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.FromContext(ctx).Warn("REFEREE_DATABASE_URL is not set, records live in memory")
		return records.NewMemStore(), func() {}, nil
	}
	s, pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, pool.Close, nil
}

func newApp(ctx context.Context, cfg *environment.EnvConfig, extra ...gatherer.Gatherer) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close(ctx)
		}
	}()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	statuses, closeStatuses, err := newStatusStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStatuses)

	gaths := append([]gatherer.Gatherer(nil), extra...)
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		a.closers = append(a.closers, func() { _ = nc.Drain() })
		gaths = append(gaths, natsgath.New(nc, cfg.NatsSubject))
	}

	if cfg.SQSResultsURL != "" {
		client, err := intake.NewSQSClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		gaths = append(gaths, sqsgath.New(client, cfg.SQSResultsURL))
	}

	cache, err := resultcache.New(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	policy := referee.FinalizeAttempted
	if cfg.StrictFinalize {
		policy = referee.FinalizeAllSucceeded
	}
	docker := sandbox.NewDocker(cfg.DockerBin, sandbox.DefaultConstraints())
	runs := referee.NewRunController(store, docker, cache, policy)
	eval := referee.NewEvaluator(store, cache, docker, cfg.ElementTimeout)
	pipeline := referee.NewPipeline(store, runs, eval, gatherer.Multi(gaths...))

	a.pool = workerpool.New(workerpool.Options{
		Workers: int64(cfg.Workers),
		Store:   statuses,
	})
	a.svc = referee.NewService(pipeline, a.pool)

	logger.FromContext(ctx).Debug("referee ready",
		"workers", cfg.Workers,
		"cache_dir", cache.Root(),
		"finalize", policy.String(),
		"nats", cfg.NatsURL != "",
		"redis", cfg.RedisAddr != "",
		"sqs_results", cfg.SQSResultsURL != "",
	)
	ok = true
	return a, nil
}

// close drains the pool, giving running graphs a bounded grace period, then
// releases connections in reverse order.
func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := a.pool.Shutdown(sctx); err != nil {
			logger.FromContext(ctx).Warn("pool shutdown cut short", "error", err)
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func setupLogger(ctx context.Context, cfg *environment.EnvConfig) (context.Context, error) {
	lvl, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return ctx, err
	}
	log, err := logger.New(stderr, lvl, cfg.LogFormat)
	if err != nil {
		return ctx, err
	}
	slog.SetDefault(log)
	return logger.WithLogger(ctx, log), nil
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/config"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/grading"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/leaderboard"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/llm"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/progress"
	redisclient "github.com/CDeX-Labs/CDeX-Marathon-Service/internal/redis"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/scheduler"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/store"
)

// app holds the components shared by every command.
type app struct {
	cfg        *config.AppConfig
	logger     zerolog.Logger
	instanceID string
	clock      clock.Clock
	registry   *prometheus.Registry
	metrics    *metrics.Metrics

	store       *store.Store
	redis       *redisclient.Client
	scheduler   *scheduler.Scheduler
	progress    *progress.Engine
	leaderboard *leaderboard.Engine
	grading     *grading.Pipeline
}

func newApp(cfg *config.AppConfig, logger zerolog.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		instanceID: cfg.App.InstanceID,
		clock:      clock.New(),
		registry:   prometheus.NewRegistry(),
	}
	if a.instanceID == "" {
		a.instanceID = uuid.New().String()[:8]
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	dialect, err := store.Dialector(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.store, err = store.New(
		store.WithDialect(dialect),
		store.WithClock(a.clock),
		store.WithLogger(logger),
		store.WithPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns),
	)
	if err != nil {
		return nil, err
	}

	backend, err := a.schedulerBackend()
	if err != nil {
		a.close()
		return nil, err
	}
	retryDelay := cfg.Scheduler.RetryDelay
	a.scheduler = scheduler.New(scheduler.Params{
		Backend:      backend,
		Clock:        a.clock,
		Logger:       logger,
		Metrics:      a.metrics,
		PollInterval: cfg.Scheduler.PollInterval,
		Workers:      cfg.Scheduler.Workers,
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		Backoff: func() retry.Backoff {
			return retry.WithCappedDuration(scheduler.DefaultRetryCap, retry.NewExponential(retryDelay))
		},
	})

	a.progress = progress.NewEngine(a.store, a.store, a.clock, logger)
	a.leaderboard = leaderboard.New(leaderboard.Params{
		Repo:            a.store,
		Scheduler:       a.scheduler,
		Clock:           a.clock,
		Logger:          logger,
		Metrics:         a.metrics,
		GradingGrace:    cfg.Leaderboard.GradingGrace,
		RecheckInterval: cfg.Leaderboard.RecheckInterval,
	})
	oracle := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, logger)
	a.grading = grading.New(a.store, oracle, a.scheduler, a.metrics, logger)
	return a, nil
}

// schedulerBackend connects to redis unless it is disabled, in which case
// jobs live in process memory.
func (a *app) schedulerBackend() (scheduler.Backend, error) {
	if !a.cfg.Redis.Enabled {
		a.logger.Warn().Msg("Running without redis: jobs are lost on restart and sessions are not shared")
		return scheduler.NewMemoryBackend(), nil
	}

	client, err := redisclient.NewClient(redisclient.Options{
		Host:     a.cfg.Redis.Host,
		Port:     a.cfg.Redis.Port,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.redis = client

	switch a.cfg.Scheduler.Backend {
	case "memory":
		return scheduler.NewMemoryBackend(), nil
	case "redis", "":
		return scheduler.NewRedisBackend(client.GetClient()), nil
	default:
		return nil, fmt.Errorf("unsupported scheduler backend %q", a.cfg.Scheduler.Backend)
	}
}

func (a *app) close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func (a *app) reconcile(ctx context.Context) (int, error) {
	n, err := a.leaderboard.Reconcile(ctx)
	if err != nil {
		return n, fmt.Errorf("reconcile leaderboards: %w", err)
	}
	return n, nil
}

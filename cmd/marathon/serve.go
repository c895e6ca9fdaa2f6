package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/auth"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/handlers"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/hub"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/kafka"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/middleware"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/presence"
	redisclient "github.com/CDeX-Labs/CDeX-Marathon-Service/internal/redis"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/events"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway, job workers and HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig(cmd)
	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	a, err := newApp(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger.With().Str("instanceId", a.instanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubOpts := hub.Options{
		Progress:     a.progress,
		Clock:        a.clock,
		Metrics:      a.metrics,
		Logger:       logger,
		TickInterval: cfg.Session.TickInterval,
		SaveAttempts: cfg.Session.SaveAttempts,
		SaveDelay:    cfg.Session.SaveDelay,
	}

	var (
		pubsub   *redisclient.PubSub
		sessions handlers.SessionLookup
		checks   = map[string]handlers.Checker{"database": a.store.Ping}
	)
	if a.redis != nil {
		lease := presence.NewManager(a.redis, a.instanceID, logger)
		pubsub = redisclient.NewPubSub(a.redis, a.instanceID, nil, logger)
		hubOpts.Lease = lease
		hubOpts.Relay = pubsub
		sessions = lease
		checks["redis"] = a.redis.Ping
	}

	h := hub.NewHub(hubOpts)
	a.leaderboard.AddNotifier(h)

	if pubsub != nil {
		pubsub.SetHandler(func(env *redisclient.PubSubEnvelope) {
			h.SendToRoom(env.TargetRoom, env.Message)
		})
		if err := pubsub.Start(); err != nil {
			return err
		}
		defer pubsub.Stop()
	}

	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when kafka is enabled")
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, a.metrics, logger)
		defer producer.Close()
		a.leaderboard.AddNotifier(producer)

		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, events.ConsumedTopics, a.metrics, logger)
		kafka.NewHandlers(a.leaderboard, a.grading, logger).RegisterAll(consumer)
	}

	if n, err := a.reconcile(ctx); err != nil {
		logger.Error().Err(err).Msg("Startup reconcile failed")
	} else {
		logger.Info().Int("marathons", n).Msg("Startup reconcile finished")
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window, a.clock, logger)
	router := handlers.NewRouter(handlers.RouterParams{
		WebSocket:   handlers.NewWebSocketHandler(h, a.instanceID, cfg.App.AllowedOrigins, logger),
		API:         handlers.NewAPI(a.leaderboard, a.grading, sessions, logger),
		Validator:   auth.NewJWTValidator(cfg.Auth.JWTSecret),
		RateLimiter: limiter,
		Gatherer:    a.registry,
		Metrics:     a.metrics,
		Ready:       handlers.ReadyHandler(h.GetStats, checks),
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.Run(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.scheduler.Start(gctx)
		<-gctx.Done()
		a.scheduler.Stop()
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			consumer.Start()
			<-gctx.Done()
			return consumer.Stop()
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("Marathon service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("Marathon service stopped")
	return err
}

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/adapters/repo"
	"brevpulse/internal/infra/cache"
	"brevpulse/internal/infra/config"
	"brevpulse/internal/infra/crypto"
	"brevpulse/internal/infra/db"
	httpinfra "brevpulse/internal/infra/http"
	applog "brevpulse/internal/infra/log"
	"brevpulse/internal/infra/metrics"
	"brevpulse/internal/infra/queue"
	"brevpulse/internal/usecase/billing"
	"brevpulse/internal/usecase/delivery"
	"brevpulse/internal/usecase/digest"
	"brevpulse/internal/usecase/schedule"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.TokenSecret == "" {
		logger.Fatal().Msg("api: API_TOKEN_SECRET is not set")
	}
	if cfg.Paystack.SecretKey == "" {
		logger.Fatal().Msg("api: PAYSTACK_SECRET_KEY is not set")
	}

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: database unavailable")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)
	jobs := queue.NewRedisJobQueue(redisClient, queue.Options{
		Name:        cfg.Queue.Email,
		Consumer:    "api",
		MaxAttempts: cfg.Queue.Attempts,
		Backoff:     cfg.Queue.Backoff,
	})

	scheduler := schedule.NewService(repoAdapter, jobs, redisCache, logger)
	gateway, err := paystack.New(cfg.Paystack.BaseURL, cfg.Paystack.SecretKey, paystack.WithTimeout(cfg.Paystack.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("api: paystack client")
	}
	billingService := billing.NewService(repoAdapter, repoAdapter, gateway, scheduler, jobs, repoAdapter, billing.Config{
		WebhookSecret: cfg.Paystack.SecretKey,
		PlanCode:      cfg.Paystack.ProPlanCode,
		AmountMinor:   cfg.Paystack.ProAmount,
		CallbackURL:   cfg.Paystack.CallbackURL,
	}, logger)
	store := digest.NewStore(repoAdapter, repoAdapter, crypto.Box{}, redisCache, cfg.Digest.ListCacheTTL, logger)

	h := &handlers{
		digests:       store,
		jobs:          jobs,
		prefs:         scheduler,
		billing:       billingService,
		notifications: delivery.NewInbox(repoAdapter, redisCache, cfg.Digest.ListCacheTTL, applog.Component(logger, "notifications")),
		analytics:     repoAdapter,
		log:           applog.Component(logger, "api"),
	}
	server := httpinfra.NewServer(logger, cfg.Auth.CORSOrigins)
	h.routes(server.Router, cfg.Auth.TokenSecret)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("api: server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: graceful shutdown failed")
	}
}

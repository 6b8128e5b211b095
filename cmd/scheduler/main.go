package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/adapters/repo"
	"brevpulse/internal/infra/cache"
	"brevpulse/internal/infra/config"
	"brevpulse/internal/infra/db"
	applog "brevpulse/internal/infra/log"
	"brevpulse/internal/infra/metrics"
	"brevpulse/internal/infra/queue"
	"brevpulse/internal/usecase/billing"
	"brevpulse/internal/usecase/schedule"
)

const sweepSpec = "@every 1h"

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: database unavailable")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	jobs := queue.NewRedisJobQueue(redisClient, queue.Options{
		Name:        cfg.Queue.Email,
		Consumer:    "scheduler",
		MaxAttempts: cfg.Queue.Attempts,
		Backoff:     cfg.Queue.Backoff,
	})

	scheduler := schedule.NewService(repoAdapter, jobs, cache.NewRedis(redisClient), logger)
	gateway, err := paystack.New(cfg.Paystack.BaseURL, cfg.Paystack.SecretKey, paystack.WithTimeout(cfg.Paystack.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: paystack client")
	}
	billingService := billing.NewService(repoAdapter, repoAdapter, gateway, scheduler, jobs, repoAdapter, billing.Config{
		WebhookSecret: cfg.Paystack.SecretKey,
		PlanCode:      cfg.Paystack.ProPlanCode,
		AmountMinor:   cfg.Paystack.ProAmount,
		CallbackURL:   cfg.Paystack.CallbackURL,
	}, logger)

	rebuildCtx, rebuildCancel := context.WithTimeout(ctx, 5*time.Minute)
	count, err := scheduler.RebuildAll(rebuildCtx)
	rebuildCancel()
	if err != nil {
		logger.Error().Err(err).Msg("scheduler: rebuild of user schedules failed")
	} else {
		logger.Info().Int("users", count).Msg("scheduler: user schedules rebuilt")
	}

	crons, err := scheduler.StartFreeCron(ctx, cfg.Digest.FreeCron, cfg.Digest.FreeTimezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: free digest cron")
	}
	if _, err := crons.AddFunc(sweepSpec, func() {
		if _, err := billingService.SweepExpired(ctx, time.Now()); err != nil {
			logger.Error().Err(err).Msg("scheduler: expiration sweep failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("scheduler: expiration sweep cron")
	}

	logger.Info().Dur("interval", cfg.Queue.PromoteInterval).Msg("scheduler: promoting delayed and repeating jobs")
	jobs.RunPromoter(ctx, cfg.Queue.PromoteInterval, func(err error) {
		logger.Error().Err(err).Msg("scheduler: promote failed")
	})

	<-crons.Stop().Done()
	logger.Info().Msg("scheduler: stopped")
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"brevpulse/internal/adapters/mailer"
	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/adapters/provider"
	"brevpulse/internal/adapters/ranker"
	"brevpulse/internal/adapters/repo"
	"brevpulse/internal/adapters/summarizer"
	"brevpulse/internal/domain"
	"brevpulse/internal/infra/cache"
	"brevpulse/internal/infra/config"
	"brevpulse/internal/infra/crypto"
	"brevpulse/internal/infra/db"
	applog "brevpulse/internal/infra/log"
	"brevpulse/internal/infra/metrics"
	"brevpulse/internal/infra/openai"
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

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: database unavailable")
	}
	defer pool.Close()
	repoAdapter := repo.NewPostgres(pool)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)
	jobs := queue.NewRedisJobQueue(redisClient, queue.Options{
		Name:        cfg.Queue.Email,
		Consumer:    "worker",
		MaxAttempts: cfg.Queue.Attempts,
		Backoff:     cfg.Queue.Backoff,
	})
	if moved, err := jobs.Recover(ctx); err != nil {
		logger.Error().Err(err).Msg("worker: recover in-flight jobs failed")
	} else if moved > 0 {
		logger.Info().Int("jobs", moved).Msg("worker: requeued jobs left by a previous run")
	}

	if cfg.RabbitURL == "" {
		logger.Fatal().Msg("worker: RABBITMQ_URL is not set")
	}
	bus, err := queue.DialNotificationBus(cfg.RabbitURL, cfg.Queue.Notifications, applog.Component(logger, "notifications"))
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: notification bus unavailable")
	}
	defer bus.Close()

	mail, err := mailer.NewSES(ctx, mailer.SESConfig{
		Region:    cfg.Mail.Region,
		AccessKey: cfg.Mail.AccessKey,
		SecretKey: cfg.Mail.SecretKey,
		FromName:  cfg.Mail.FromName,
		FromEmail: cfg.Mail.FromEmail,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: mail transport unavailable")
	}
	templates, err := mailer.NewTemplates(cfg.Mail.FrontendURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: mail templates")
	}

	tokens := provider.NewTokenSource(repoAdapter, map[domain.Source]*oauth2.Config{
		domain.SourceGmail:    provider.GoogleConfig(cfg.Providers.GoogleClientID, cfg.Providers.GoogleClientSecret),
		domain.SourceCalendar: provider.GoogleConfig(cfg.Providers.GoogleClientID, cfg.Providers.GoogleClientSecret),
		domain.SourceGitHub:   provider.GitHubConfig(cfg.Providers.GitHubClientID, cfg.Providers.GitHubClientSecret),
	}, &http.Client{Timeout: cfg.Providers.Timeout}, redisCache, applog.Component(logger, "tokens"))
	providerLog := applog.Component(logger, "provider")
	fetchers := provider.NewSet(
		provider.NewGmail(tokens, "", cfg.Providers.MailWindow, cfg.Providers.MaxResults, providerLog),
		provider.NewCalendar(tokens, "", cfg.Providers.CalendarWindow, cfg.Providers.MaxResults, providerLog),
		provider.NewGitHub(tokens, "", cfg.Providers.GitHubWindow, cfg.Providers.MaxResults, providerLog),
	)

	engine := ranker.NewEngine(ranker.Config{
		FreeMaxItems: cfg.Digest.FreeMaxItems,
		ProMaxItems:  cfg.Digest.ProMaxItems,
		ActionMode:   ranker.ParseActionMode(cfg.Digest.ActionMode),
	})
	var polisher digest.Polisher
	if cfg.OpenAI.APIKey != "" {
		client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout)
		polisher = summarizer.NewOpenAI(client, cfg.OpenAI.Model, cfg.OpenAI.Timeout)
	} else {
		logger.Info().Msg("worker: OPENAI_API_KEY not set, using the simple polisher")
		polisher = summarizer.NewSimple()
	}
	digests := digest.NewService(digest.NewAssembler(fetchers, repoAdapter, logger), engine, polisher, logger)
	store := digest.NewStore(repoAdapter, repoAdapter, crypto.Box{}, redisCache, cfg.Digest.ListCacheTTL, logger)

	scheduler := schedule.NewService(repoAdapter, jobs, redisCache, logger)
	gateway, err := paystack.New(cfg.Paystack.BaseURL, cfg.Paystack.SecretKey, paystack.WithTimeout(cfg.Paystack.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: paystack client")
	}
	billingService := billing.NewService(repoAdapter, repoAdapter, gateway, scheduler, jobs, repoAdapter, billing.Config{
		WebhookSecret: cfg.Paystack.SecretKey,
		PlanCode:      cfg.Paystack.ProPlanCode,
		AmountMinor:   cfg.Paystack.ProAmount,
		CallbackURL:   cfg.Paystack.CallbackURL,
	}, logger)

	worker := delivery.NewWorker(delivery.Deps{
		Queue:     jobs,
		Users:     repoAdapter,
		Digests:   digests,
		Archive:   store,
		Render:    templates,
		Mailer:    mail,
		Notifier:  bus,
		Analytics: repoAdapter,
		Expiry:    billingService,
	}, delivery.Config{
		SendEmptyFree: cfg.Digest.SendEmptyFree,
		DigestsURL:    strings.TrimRight(cfg.Mail.FrontendURL, "/") + "/digests",
	}, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info().Msg("worker: processing queue")
		worker.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		err := bus.Consume(ctx, "worker", delivery.NotificationStore(repoAdapter, redisCache, applog.Component(logger, "notifications")))
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker: notification consumer stopped")
			stop()
		}
	}()
	wg.Wait()
	logger.Info().Msg("worker: stopped")
}

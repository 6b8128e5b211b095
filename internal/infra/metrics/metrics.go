package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	DigestBuildSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_build_seconds",
		Help:    "Time to assemble and rank a digest",
		Buckets: prometheus.DefBuckets,
	})
	DigestItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_items_total",
		Help: "Digest items produced by priority and plan",
	}, []string{"priority", "plan"})
	ProviderFetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_fetch_total",
		Help: "Provider fetch results by provider and status",
	}, []string{"provider", "status"})
	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_token_refresh_total",
		Help: "OAuth token refreshes by provider and status",
	}, []string{"provider", "status"})
	JobsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Queue jobs processed by job name and outcome",
	}, []string{"job", "outcome"})
	MailSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mail_send_errors_total",
		Help: "Mail transport failures",
	})
	WebhookEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Billing webhook events by type and outcome",
	}, []string{"event", "outcome"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Duration of outbound network requests",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Count of outbound network requests",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Duration of LLM completions",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Tokens consumed by LLM completions",
	}, []string{"model", "type"})
)

// MustRegister registers every collector.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DigestBuildSeconds,
		DigestItemsTotal,
		ProviderFetchTotal,
		TokenRefreshTotal,
		JobsProcessedTotal,
		MailSendErrors,
		WebhookEventsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
	)
}

// StartServer serves /metrics on addr until ctx is done.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest records duration and status of an outbound call.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration records duration and token usage of an LLM completion.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveProviderFetch counts a provider fetch outcome.
func ObserveProviderFetch(provider string, ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	ProviderFetchTotal.WithLabelValues(provider, status).Inc()
}

// ObserveJob counts a processed queue job.
func ObserveJob(job, outcome string) {
	JobsProcessedTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveWebhook counts a billing webhook outcome.
func ObserveWebhook(event, outcome string) {
	if event == "" {
		event = "unknown"
	}
	WebhookEventsTotal.WithLabelValues(event, outcome).Inc()
}

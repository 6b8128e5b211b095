package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/domain"
	httpinfra "brevpulse/internal/infra/http"
	"brevpulse/internal/usecase/billing"
	"brevpulse/internal/usecase/schedule"
)

const maxWebhookBody = 1 << 20

type digestStore interface {
	List(ctx context.Context, userID int64, page, limit int) ([]domain.DigestView, error)
	MarkOpened(ctx context.Context, userID, digestID int64) error
}

type preferences interface {
	UpdatePreferences(ctx context.Context, userID int64, deliveryTime, timezone string) (domain.Preferences, error)
}

type subscriptions interface {
	Status(ctx context.Context, userID int64) (domain.Subscription, error)
	Cancel(ctx context.Context, userID int64) (domain.Subscription, error)
	Checkout(ctx context.Context, userID int64) (paystack.Checkout, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) error
}

type inbox interface {
	List(ctx context.Context, userID int64, limit int) ([]domain.Notification, error)
}

type handlers struct {
	digests       digestStore
	jobs          domain.JobQueue
	prefs         preferences
	billing       subscriptions
	notifications inbox
	analytics     domain.BusinessMetricRepo
	log           zerolog.Logger
}

func (h *handlers) routes(r chi.Router, tokenSecret string) {
	r.Post("/webhooks/paystack", h.paystackWebhook)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(httpinfra.UserAuthMiddleware(tokenSecret))
		api.Get("/digests", h.listDigests)
		api.Post("/digests/send", h.sendDigest)
		api.Post("/digests/{id}/opened", h.markOpened)
		api.Put("/settings/delivery", h.updateDelivery)
		api.Get("/subscription", h.subscriptionStatus)
		api.Post("/subscription/cancel", h.cancelSubscription)
		api.Post("/subscription/checkout", h.checkout)
		api.Get("/notifications", h.listNotifications)
	})
}

func (h *handlers) paystackWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	err = h.billing.HandleWebhook(r.Context(), body, r.Header.Get(paystack.SignatureHeader))
	switch {
	case err == nil:
		httpinfra.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, paystack.ErrInvalidSignature):
		httpinfra.WriteError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, billing.ErrInvalidPayload):
		httpinfra.WriteError(w, http.StatusBadRequest, "invalid webhook payload")
	default:
		h.log.Error().Err(err).Str("request_id", httpinfra.RequestID(r)).Msg("api: paystack webhook failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "webhook processing failed")
	}
}

func (h *handlers) listDigests(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 10)
	views, err := h.digests.List(r.Context(), userID, page, limit)
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("api: list digests failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "failed to load digests")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"digests": views, "page": page})
}

func (h *handlers) sendDigest(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	period := domain.PeriodDaily
	if r.URL.Query().Get("period") == string(domain.PeriodWeekly) {
		period = domain.PeriodWeekly
	}
	jobID, err := h.jobs.Enqueue(r.Context(), domain.JobSendDigest,
		domain.SendDigestPayload{UserID: userID, Period: period, Cause: domain.DigestCauseManual},
		domain.EnqueueOptions{})
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("api: enqueue digest failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "failed to queue digest")
		return
	}
	if h.analytics != nil {
		id := userID
		metric := domain.BusinessMetric{
			Event:      domain.BusinessMetricEventDigestRequested,
			UserID:     &id,
			Metadata:   map[string]any{"job_id": jobID, "period": string(period)},
			OccurredAt: time.Now().UTC(),
		}
		if err := h.analytics.RecordBusinessMetric(r.Context(), metric); err != nil {
			h.log.Warn().Err(err).Msg("api: business metric not saved")
		}
	}
	httpinfra.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (h *handlers) markOpened(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	digestID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || digestID <= 0 {
		httpinfra.WriteError(w, http.StatusBadRequest, "invalid digest id")
		return
	}
	err = h.digests.MarkOpened(r.Context(), userID, digestID)
	if errors.Is(err, domain.ErrDigestNotFound) {
		httpinfra.WriteError(w, http.StatusNotFound, "digest not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Int64("digest_id", digestID).Msg("api: mark opened failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "failed to update digest")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deliveryRequest struct {
	DeliveryTime string `json:"delivery_time"`
	Timezone     string `json:"timezone"`
}

func (h *handlers) updateDelivery(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	defer r.Body.Close()
	var req deliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpinfra.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	prefs, err := h.prefs.UpdatePreferences(r.Context(), userID, req.DeliveryTime, req.Timezone)
	switch {
	case err == nil:
		httpinfra.WriteJSON(w, http.StatusOK, prefs)
	case errors.Is(err, schedule.ErrInvalidDeliveryTime), errors.Is(err, schedule.ErrInvalidTimezone):
		httpinfra.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, "user not found")
	default:
		h.log.Error().Err(err).Int64("user_id", userID).Msg("api: update delivery failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "failed to update settings")
	}
}

func (h *handlers) subscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	sub, err := h.billing.Status(r.Context(), userID)
	switch {
	case err == nil:
		httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"plan": domain.PlanPro, "subscription": sub})
	case errors.Is(err, billing.ErrNoActiveSubscription):
		httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"plan": domain.PlanFree, "subscription": nil})
	default:
		h.writeBillingError(w, userID, err)
	}
}

func (h *handlers) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	sub, err := h.billing.Cancel(r.Context(), userID)
	if err != nil {
		h.writeBillingError(w, userID, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"subscription": sub})
}

func (h *handlers) checkout(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	checkout, err := h.billing.Checkout(r.Context(), userID)
	if err != nil {
		h.writeBillingError(w, userID, err)
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, checkout)
}

func (h *handlers) writeBillingError(w http.ResponseWriter, userID int64, err error) {
	switch {
	case errors.Is(err, billing.ErrNoActiveSubscription):
		httpinfra.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, billing.ErrAlreadySubscribed):
		httpinfra.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		httpinfra.WriteError(w, http.StatusNotFound, "user not found")
	default:
		h.log.Error().Err(err).Int64("user_id", userID).Msg("api: billing request failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "billing request failed")
	}
}

func (h *handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	userID, _ := httpinfra.UserIDFromContext(r.Context())
	items, err := h.notifications.List(r.Context(), userID, queryInt(r, "limit", 20))
	if err != nil {
		h.log.Error().Err(err).Int64("user_id", userID).Msg("api: list notifications failed")
		httpinfra.WriteError(w, http.StatusInternalServerError, "failed to load notifications")
		return
	}
	httpinfra.WriteJSON(w, http.StatusOK, map[string]any{"notifications": items})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

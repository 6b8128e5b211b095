package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/domain"
)

var (
	// ErrNoActiveSubscription is returned when the user has no subscription granting access.
	ErrNoActiveSubscription = errors.New("no active subscription")
	// ErrAlreadySubscribed is returned by Checkout for users with an active subscription.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrInvalidPayload is returned for signed webhook bodies that cannot be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

const expiringBatch = 100

// Gateway is the payment provider API used outside webhooks.
type Gateway interface {
	InitializeTransaction(ctx context.Context, params paystack.InitializeParams) (paystack.Checkout, error)
	DisableSubscription(ctx context.Context, code, emailToken string) error
}

// Rescheduler reconciles a user's digest schedule with their plan.
type Rescheduler interface {
	Reschedule(ctx context.Context, userID int64) error
}

// Config holds the Paystack settings of the service.
type Config struct {
	WebhookSecret string
	PlanCode      string
	AmountMinor   int64
	CallbackURL   string
}

// Service owns the subscription lifecycle.
type Service struct {
	repo      domain.BillingRepo
	users     domain.UserRepo
	gateway   Gateway
	scheduler Rescheduler
	queue     domain.JobQueue
	events    domain.BusinessMetricRepo
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewService creates the billing service. events may be nil.
func NewService(repo domain.BillingRepo, users domain.UserRepo, gateway Gateway, scheduler Rescheduler, queue domain.JobQueue,
	events domain.BusinessMetricRepo, cfg Config, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		users:     users,
		gateway:   gateway,
		scheduler: scheduler,
		queue:     queue,
		events:    events,
		cfg:       cfg,
		logger:    logger.With().Str("component", "billing").Logger(),
		now:       time.Now,
	}
}

// Status returns the subscription that currently grants the user pro access.
// An expired canceled or past_due subscription downgrades the user on the spot.
func (s *Service) Status(ctx context.Context, userID int64) (domain.Subscription, error) {
	sub, err := s.repo.LatestSubscriptionByUser(ctx, userID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return domain.Subscription{}, ErrNoActiveSubscription
	}
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	now := s.now()
	if sub.GrantsAccess(now) {
		return sub, nil
	}
	if sub.Expired(now) {
		if err := s.downgrade(ctx, sub.UserID, "lazy_check"); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("billing: lazy downgrade failed")
		}
	}
	return domain.Subscription{}, ErrNoActiveSubscription
}

// Cancel stops renewal with the provider, then marks the local subscription canceled.
// Access continues until the current period ends.
func (s *Service) Cancel(ctx context.Context, userID int64) (domain.Subscription, error) {
	sub, err := s.repo.LatestSubscriptionByUser(ctx, userID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return domain.Subscription{}, ErrNoActiveSubscription
	}
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("load subscription: %w", err)
	}
	if sub.Status != domain.SubscriptionActive {
		return domain.Subscription{}, ErrNoActiveSubscription
	}
	if err := s.gateway.DisableSubscription(ctx, sub.ProviderCode, sub.EmailToken); err != nil {
		return domain.Subscription{}, fmt.Errorf("disable subscription with provider: %w", err)
	}

	now := s.now().UTC()
	sub.Status = domain.SubscriptionCanceled
	sub.CanceledAt = &now
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, fmt.Errorf("save subscription: %w", err)
	}
	s.scheduleExpiration(ctx, sub)
	s.logger.Info().Int64("user_id", userID).Str("subscription", sub.ProviderCode).Msg("billing: subscription canceled")
	return sub, nil
}

// Checkout starts a hosted payment for the pro plan.
func (s *Service) Checkout(ctx context.Context, userID int64) (paystack.Checkout, error) {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return paystack.Checkout{}, fmt.Errorf("load user: %w", err)
	}
	sub, err := s.repo.LatestSubscriptionByUser(ctx, userID)
	switch {
	case err == nil && sub.Status == domain.SubscriptionActive:
		return paystack.Checkout{}, ErrAlreadySubscribed
	case err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound):
		return paystack.Checkout{}, fmt.Errorf("load subscription: %w", err)
	}

	checkout, err := s.gateway.InitializeTransaction(ctx, paystack.InitializeParams{
		Email:       user.Email,
		AmountMinor: s.cfg.AmountMinor,
		PlanCode:    s.cfg.PlanCode,
		CallbackURL: s.cfg.CallbackURL,
		Reference:   uuid.NewString(),
		Channels:    []string{"card"},
		Metadata:    map[string]string{"user_id": strconv.FormatInt(userID, 10)},
	})
	if err != nil {
		return paystack.Checkout{}, fmt.Errorf("initialize checkout: %w", err)
	}
	s.logger.Info().Int64("user_id", userID).Str("reference", checkout.Reference).Msg("billing: checkout started")
	return checkout, nil
}

// CheckExpiration downgrades the owner of subscriptionID when it has run out
// and nothing newer grants access.
func (s *Service) CheckExpiration(ctx context.Context, subscriptionID int64) error {
	_, err := s.checkExpiration(ctx, subscriptionID)
	return err
}

// checkExpiration reports whether the owner of subscriptionID was downgraded.
func (s *Service) checkExpiration(ctx context.Context, subscriptionID int64) (bool, error) {
	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		s.logger.Warn().Int64("subscription_id", subscriptionID).Msg("billing: expiration check for unknown subscription")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load subscription: %w", err)
	}
	now := s.now()
	if !sub.Expired(now) {
		return false, nil
	}
	latest, err := s.repo.LatestSubscriptionByUser(ctx, sub.UserID)
	if err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return false, fmt.Errorf("load latest subscription: %w", err)
	}
	if err == nil && latest.ID != sub.ID && latest.GrantsAccess(now) {
		return false, nil
	}
	if err := s.downgrade(ctx, sub.UserID, "expired"); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpired downgrades every user whose canceled or past_due subscription ended before now.
// It returns how many subscriptions led to a downgrade.
func (s *Service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	downgraded := 0
	var afterID int64
	for {
		subs, err := s.repo.ListExpiring(ctx, now, afterID, expiringBatch)
		if err != nil {
			return downgraded, fmt.Errorf("list expiring subscriptions: %w", err)
		}
		for _, sub := range subs {
			afterID = sub.ID
			ok, err := s.checkExpiration(ctx, sub.ID)
			if err != nil {
				s.logger.Error().Err(err).Int64("subscription_id", sub.ID).Msg("billing: sweep failed for subscription")
				continue
			}
			if ok {
				downgraded++
			}
		}
		if len(subs) < expiringBatch {
			break
		}
		if err := ctx.Err(); err != nil {
			return downgraded, err
		}
	}
	if downgraded > 0 {
		s.logger.Info().Int("subscriptions", downgraded).Msg("billing: sweep finished")
	}
	return downgraded, nil
}

func (s *Service) downgrade(ctx context.Context, userID int64, reason string) error {
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.Plan != domain.PlanFree {
		if err := s.users.SetPlan(ctx, userID, domain.PlanFree); err != nil {
			return fmt.Errorf("set plan: %w", err)
		}
		s.recordPlanChange(ctx, userID, domain.PlanFree, reason)
	}
	if err := s.scheduler.Reschedule(ctx, userID); err != nil {
		return fmt.Errorf("reschedule after downgrade: %w", err)
	}
	s.logger.Info().Int64("user_id", userID).Str("reason", reason).Msg("billing: user downgraded to free")
	return nil
}

// scheduleExpiration queues a check at the end of the paid period.
func (s *Service) scheduleExpiration(ctx context.Context, sub domain.Subscription) {
	if sub.CurrentPeriodEnd.IsZero() {
		return
	}
	delay := sub.CurrentPeriodEnd.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	opts := domain.EnqueueOptions{
		JobID: fmt.Sprintf("check-expiration-%d-%d", sub.ID, sub.CurrentPeriodEnd.Unix()),
		Delay: delay,
	}
	payload := domain.CheckExpirationPayload{SubscriptionID: sub.ID, UserID: sub.UserID}
	if _, err := s.queue.Enqueue(ctx, domain.JobCheckExpiration, payload, opts); err != nil {
		s.logger.Error().Err(err).Int64("subscription_id", sub.ID).Msg("billing: schedule expiration check failed")
	}
}

func (s *Service) recordPlanChange(ctx context.Context, userID int64, plan domain.Plan, reason string) {
	if s.events == nil {
		return
	}
	id := userID
	err := s.events.RecordBusinessMetric(ctx, domain.BusinessMetric{
		Event:      domain.BusinessMetricEventPlanChanged,
		UserID:     &id,
		Metadata:   map[string]any{"plan": string(plan), "reason": reason},
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("billing: record plan change failed")
	}
}

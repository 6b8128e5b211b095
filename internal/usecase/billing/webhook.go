package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"brevpulse/internal/adapters/paystack"
	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

const provisionalCodePrefix = "pending_"

// effects are side effects run after the webhook transaction committed.
type effects struct {
	reschedule  []int64
	expirations []domain.Subscription
	upgraded    []int64
}

// HandleWebhook verifies, decodes and applies a Paystack webhook exactly once.
// Duplicates and unhandled event types succeed without side effects.
// A handler error rolls everything back so the provider redelivers.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if err := paystack.VerifySignature(s.cfg.WebhookSecret, body, signature); err != nil {
		metrics.ObserveWebhook("unknown", "invalid_signature")
		s.logger.Warn().Msg("billing: webhook signature mismatch")
		return err
	}
	ev, err := paystack.ParseEvent(body)
	if err != nil {
		metrics.ObserveWebhook("unknown", "invalid_payload")
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	eventType := string(ev.Type)

	key, ok := ev.IdempotencyKey()
	if !ok {
		metrics.ObserveWebhook(eventType, "ignored")
		s.logger.Info().Str("event", eventType).Msg("billing: webhook ignored")
		return nil
	}
	log := s.logger.With().Str("event", eventType).Str("event_id", key).Logger()

	var fx effects
	err = s.repo.ApplyEvent(ctx, domain.ProcessedEvent{EventID: key, EventType: eventType, ProcessedAt: s.now().UTC()},
		func(ctx context.Context, tx domain.BillingTx) error {
			fx = effects{}
			return s.dispatch(ctx, tx, ev, &fx)
		})
	switch {
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		metrics.ObserveWebhook(eventType, "duplicate")
		log.Info().Msg("billing: webhook already processed")
		return nil
	case err != nil:
		metrics.ObserveWebhook(eventType, "error")
		log.Error().Err(err).Msg("billing: webhook failed")
		return fmt.Errorf("apply %s: %w", eventType, err)
	}
	metrics.ObserveWebhook(eventType, "processed")
	log.Info().Msg("billing: webhook processed")

	s.afterCommit(ctx, fx)
	return nil
}

func (s *Service) afterCommit(ctx context.Context, fx effects) {
	for _, userID := range fx.upgraded {
		s.recordPlanChange(ctx, userID, domain.PlanPro, "webhook")
	}
	for _, userID := range fx.reschedule {
		if err := s.scheduler.Reschedule(ctx, userID); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("billing: reschedule after webhook failed")
		}
	}
	for _, sub := range fx.expirations {
		s.scheduleExpiration(ctx, sub)
	}
}

func (s *Service) dispatch(ctx context.Context, tx domain.BillingTx, ev paystack.Event, fx *effects) error {
	switch ev.Type {
	case paystack.EventSubscriptionCreate:
		return s.onSubscriptionCreate(ctx, tx, ev.Subscription, fx)
	case paystack.EventSubscriptionDisable, paystack.EventSubscriptionNotRenew:
		return s.onSubscriptionDisable(ctx, tx, ev.Subscription, fx)
	case paystack.EventInvoiceUpdate:
		return s.onInvoiceUpdate(ctx, tx, ev.Invoice)
	case paystack.EventInvoicePaymentFailed:
		return s.onInvoicePaymentFailed(ctx, tx, ev.Invoice, fx)
	case paystack.EventChargeSuccess:
		return s.onChargeSuccess(ctx, tx, ev.Charge, fx)
	}
	return nil
}

// onSubscriptionCreate provisions a subscription, reactivates a canceled one, or adopts the
// provisional row a first charge created.
func (s *Service) onSubscriptionCreate(ctx context.Context, tx domain.BillingTx, data paystack.SubscriptionData, fx *effects) error {
	userID, ok := data.Customer.Metadata.UserID()
	if !ok || data.Plan.PlanCode == "" || data.Customer.Email == "" {
		s.logger.Warn().Str("subscription", data.SubscriptionCode).Msg("billing: subscription.create missing user, plan or email")
		return nil
	}
	active := strings.EqualFold(data.Status, "active")

	existing, err := tx.SubscriptionByCode(ctx, data.SubscriptionCode)
	switch {
	case err == nil:
		if !active || existing.Status == domain.SubscriptionActive {
			return nil
		}
		existing.Status = domain.SubscriptionActive
		existing.CanceledAt = nil
		if !data.NextPaymentDate.IsZero() {
			existing.CurrentPeriodEnd = data.NextPaymentDate.Time
		}
		if err := tx.SaveSubscription(ctx, existing); err != nil {
			return err
		}
		return s.grantPro(ctx, tx, existing.UserID, fx)
	case !errors.Is(err, domain.ErrSubscriptionNotFound):
		return err
	}

	start := data.CreatedAt()
	if start.IsZero() {
		start = s.now().UTC()
	}
	status := domain.SubscriptionPending
	if active {
		status = domain.SubscriptionActive
	}

	latest, err := tx.LatestSubscriptionByUser(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return err
	}
	if err == nil && strings.HasPrefix(latest.ProviderCode, provisionalCodePrefix) {
		latest.ProviderCode = data.SubscriptionCode
		latest.EmailToken = data.EmailToken
		latest.Plan = planFromInterval(data.Plan.Interval)
		latest.Status = status
		if !data.NextPaymentDate.IsZero() {
			latest.CurrentPeriodEnd = data.NextPaymentDate.Time
		}
		if err := tx.SaveSubscription(ctx, latest); err != nil {
			return err
		}
	} else {
		_, err := tx.CreateSubscription(ctx, domain.Subscription{
			UserID:             userID,
			ProviderCode:       data.SubscriptionCode,
			EmailToken:         data.EmailToken,
			Plan:               planFromInterval(data.Plan.Interval),
			Status:             status,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   data.NextPaymentDate.Time,
			IsFirstTrial:       data.Customer.Metadata.String("is_first_trial") == "true",
		})
		if err != nil {
			return err
		}
	}
	if !active {
		return nil
	}
	return s.grantPro(ctx, tx, userID, fx)
}

// onSubscriptionDisable marks the subscription canceled. The plan stays until the period ends.
func (s *Service) onSubscriptionDisable(ctx context.Context, tx domain.BillingTx, data paystack.SubscriptionData, fx *effects) error {
	sub, err := tx.SubscriptionByCode(ctx, data.SubscriptionCode)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		s.logger.Warn().Str("subscription", data.SubscriptionCode).Msg("billing: disable for unknown subscription")
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status != domain.SubscriptionActive && sub.Status != domain.SubscriptionPastDue {
		return nil
	}
	now := s.now().UTC()
	sub.Status = domain.SubscriptionCanceled
	sub.CanceledAt = &now
	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	fx.expirations = append(fx.expirations, sub)
	return nil
}

// onInvoiceUpdate moves the billing period forward on renewal. A paid invoice clears past_due.
func (s *Service) onInvoiceUpdate(ctx context.Context, tx domain.BillingTx, data paystack.InvoiceData) error {
	code := data.Subscription.SubscriptionCode
	if code == "" {
		s.logger.Info().Str("invoice", data.InvoiceCode).Msg("billing: invoice.update without subscription")
		return nil
	}
	sub, err := tx.SubscriptionByCode(ctx, code)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		s.logger.Warn().Str("subscription", code).Msg("billing: invoice.update for unknown subscription")
		return nil
	}
	if err != nil {
		return err
	}
	switch {
	case sub.Status == domain.SubscriptionActive:
	case sub.Status == domain.SubscriptionPastDue && data.Paid:
		superseded, err := s.superseded(ctx, tx, sub)
		if err != nil || superseded {
			return err
		}
		sub.Status = domain.SubscriptionActive
	default:
		return nil
	}
	if start := firstTime(data.PaidAt.Time, data.PeriodStart.Time); !start.IsZero() {
		sub.CurrentPeriodStart = start
	}
	if end := firstTime(data.NextPaymentDate.Time, data.PeriodEnd.Time); !end.IsZero() {
		sub.CurrentPeriodEnd = end
	}
	return tx.SaveSubscription(ctx, sub)
}

// onInvoicePaymentFailed marks an active subscription past_due.
func (s *Service) onInvoicePaymentFailed(ctx context.Context, tx domain.BillingTx, data paystack.InvoiceData, fx *effects) error {
	code := data.Subscription.SubscriptionCode
	if code == "" {
		return nil
	}
	sub, err := tx.SubscriptionByCode(ctx, code)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status != domain.SubscriptionActive {
		return nil
	}
	sub.Status = domain.SubscriptionPastDue
	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	s.logger.Warn().Str("subscription", code).Msg("billing: subscription past due")
	fx.expirations = append(fx.expirations, sub)
	return nil
}

// onChargeSuccess records the transaction. A plan charge renews a past_due subscription in place;
// for a user with nothing active it provisions one so access does not wait for subscription.create.
func (s *Service) onChargeSuccess(ctx context.Context, tx domain.BillingTx, data paystack.ChargeData, fx *effects) error {
	userID, ok := data.Metadata.UserID()
	if !ok {
		userID, ok = data.Customer.Metadata.UserID()
	}
	if !ok || data.Reference == "" {
		s.logger.Warn().Str("reference", data.Reference).Msg("billing: charge.success missing user or reference")
		return nil
	}

	status := "failed"
	if strings.EqualFold(data.Status, "success") {
		status = "success"
	}
	currency := data.Currency
	if currency == "" {
		currency = "NGN"
	}
	channel := data.Channel
	if channel == "" {
		channel = data.Authorization.Channel
	}

	var subID *int64
	if status == "success" {
		sub, found, err := s.chargeSubscription(ctx, tx, userID, data)
		if err != nil {
			return err
		}
		if found {
			if sub.Status == domain.SubscriptionPastDue {
				if sub, err = s.renewPastDue(ctx, tx, sub, data, fx); err != nil {
					return err
				}
			}
			id := sub.ID
			subID = &id
		} else if data.Plan.PlanCode != "" {
			created, err := s.provision(ctx, tx, userID, data)
			if err != nil {
				return err
			}
			id := created.ID
			subID = &id
			if err := s.grantPro(ctx, tx, userID, fx); err != nil {
				return err
			}
		}
	}

	return tx.InsertTransaction(ctx, domain.PaymentTransaction{
		UserID:            userID,
		SubscriptionID:    subID,
		Reference:         data.Reference,
		AmountMinor:       data.Amount,
		Currency:          currency,
		Status:            status,
		AuthorizationCode: data.Authorization.AuthorizationCode,
		CardType:          data.Authorization.CardType,
		Bank:              data.Authorization.Bank,
		Channel:           channel,
	})
}

// chargeSubscription finds the subscription a successful charge pays for: the one named by
// its code, else for plan charges the user's active or past_due subscription still in its period.
// Canceled and lapsed rows are left alone; a new plan charge there starts a fresh subscription.
func (s *Service) chargeSubscription(ctx context.Context, tx domain.BillingTx, userID int64, data paystack.ChargeData) (domain.Subscription, bool, error) {
	if code := data.SubscriptionCode(); code != "" {
		sub, err := tx.SubscriptionByCode(ctx, code)
		switch {
		case err == nil:
			return sub, true, nil
		case !errors.Is(err, domain.ErrSubscriptionNotFound):
			return domain.Subscription{}, false, err
		}
	}
	if data.Plan.PlanCode == "" {
		return domain.Subscription{}, false, nil
	}
	latest, err := tx.LatestSubscriptionByUser(ctx, userID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return domain.Subscription{}, false, nil
	}
	if err != nil {
		return domain.Subscription{}, false, err
	}
	switch latest.Status {
	case domain.SubscriptionActive:
		return latest, true, nil
	case domain.SubscriptionPastDue:
		if latest.GrantsAccess(s.now()) {
			return latest, true, nil
		}
	}
	return domain.Subscription{}, false, nil
}

// renewPastDue reactivates a past_due subscription paid by data and moves its period forward.
func (s *Service) renewPastDue(ctx context.Context, tx domain.BillingTx, sub domain.Subscription, data paystack.ChargeData, fx *effects) (domain.Subscription, error) {
	superseded, err := s.superseded(ctx, tx, sub)
	if err != nil || superseded {
		return sub, err
	}
	hadAccess := sub.GrantsAccess(s.now())
	sub.Status = domain.SubscriptionActive
	sub.CanceledAt = nil
	sub.CurrentPeriodStart, sub.CurrentPeriodEnd = s.chargePeriod(data, sub.Plan)
	if err := tx.SaveSubscription(ctx, sub); err != nil {
		return domain.Subscription{}, err
	}
	s.logger.Info().Int64("user_id", sub.UserID).Str("subscription", sub.ProviderCode).Msg("billing: past_due subscription renewed")
	if hadAccess {
		return sub, nil
	}
	return sub, s.grantPro(ctx, tx, sub.UserID, fx)
}

// superseded reports whether another subscription of the same user is already active,
// in which case sub must not be reactivated.
func (s *Service) superseded(ctx context.Context, tx domain.BillingTx, sub domain.Subscription) (bool, error) {
	latest, err := tx.LatestSubscriptionByUser(ctx, sub.UserID)
	if errors.Is(err, domain.ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if latest.ID != sub.ID && latest.Status == domain.SubscriptionActive {
		s.logger.Warn().Int64("user_id", sub.UserID).Str("subscription", sub.ProviderCode).
			Str("active", latest.ProviderCode).Msg("billing: past_due subscription superseded, not reactivating")
		return true, nil
	}
	return false, nil
}

// chargePeriod is the billing period a charge pays for.
func (s *Service) chargePeriod(data paystack.ChargeData, plan domain.SubscriptionPlan) (time.Time, time.Time) {
	start := data.PaidAt.Time
	if start.IsZero() {
		start = s.now().UTC()
	}
	end := start.AddDate(0, 1, 0)
	if plan == domain.SubscriptionProYearly {
		end = start.AddDate(1, 0, 0)
	}
	if data.Subscription != nil && !data.Subscription.NextPaymentDate.IsZero() {
		end = data.Subscription.NextPaymentDate.Time
	}
	return start, end
}

func (s *Service) provision(ctx context.Context, tx domain.BillingTx, userID int64, data paystack.ChargeData) (domain.Subscription, error) {
	plan := planFromInterval(data.Plan.Interval)
	start, end := s.chargePeriod(data, plan)
	code := provisionalCodePrefix + data.Reference
	token := ""
	if data.Subscription != nil {
		if data.Subscription.SubscriptionCode != "" {
			code = data.Subscription.SubscriptionCode
		}
		token = data.Subscription.EmailToken
	}
	return tx.CreateSubscription(ctx, domain.Subscription{
		UserID:             userID,
		ProviderCode:       code,
		EmailToken:         token,
		Plan:               plan,
		Status:             domain.SubscriptionActive,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	})
}

func (s *Service) grantPro(ctx context.Context, tx domain.BillingTx, userID int64, fx *effects) error {
	if err := tx.SetUserPlan(ctx, userID, domain.PlanPro); err != nil {
		return err
	}
	fx.upgraded = append(fx.upgraded, userID)
	fx.reschedule = append(fx.reschedule, userID)
	return nil
}

func planFromInterval(interval string) domain.SubscriptionPlan {
	switch strings.ToLower(interval) {
	case "annually", "yearly", "annual":
		return domain.SubscriptionProYearly
	}
	return domain.SubscriptionProMonthly
}

func firstTime(values ...time.Time) time.Time {
	for _, v := range values {
		if !v.IsZero() {
			return v
		}
	}
	return time.Time{}
}

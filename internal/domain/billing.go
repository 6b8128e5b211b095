package domain

import (
	"errors"
	"time"
)

var (
	// ErrSubscriptionNotFound is returned when no subscription matches.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrEventAlreadyProcessed is returned by the ledger when an event id was already recorded.
	ErrEventAlreadyProcessed = errors.New("event already processed")
)

// SubscriptionStatus is the lifecycle state of a paid subscription.
type SubscriptionStatus string

const (
	SubscriptionPending    SubscriptionStatus = "pending"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
)

// SubscriptionPlan is the billing plan code stored on a subscription.
type SubscriptionPlan string

const (
	SubscriptionProMonthly SubscriptionPlan = "pro_monthly"
	SubscriptionProYearly  SubscriptionPlan = "pro_yearly"
)

// Subscription is the local view of a Paystack subscription.
type Subscription struct {
	ID                 int64              `json:"id"`
	UserID             int64              `json:"user_id"`
	ProviderCode       string             `json:"provider_subscription_code"`
	EmailToken         string             `json:"-"`
	Plan               SubscriptionPlan   `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	IsFirstTrial       bool               `json:"is_first_trial"`
	CanceledAt         *time.Time         `json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// GrantsAccess reports whether the subscription entitles the user to pro at now.
// Canceled and past_due subscriptions keep access until the current period ends.
func (s Subscription) GrantsAccess(now time.Time) bool {
	switch s.Status {
	case SubscriptionActive:
		return true
	case SubscriptionCanceled, SubscriptionPastDue:
		return !s.CurrentPeriodEnd.IsZero() && now.Before(s.CurrentPeriodEnd)
	}
	return false
}

// Expired reports whether a canceled or past_due subscription has run out at now.
func (s Subscription) Expired(now time.Time) bool {
	if s.Status != SubscriptionCanceled && s.Status != SubscriptionPastDue {
		return false
	}
	return !s.CurrentPeriodEnd.IsZero() && !now.Before(s.CurrentPeriodEnd)
}

// ProcessedEvent is a row of the webhook idempotency ledger.
type ProcessedEvent struct {
	EventID     string
	EventType   string
	ProcessedAt time.Time
}

// PaymentTransaction records a successful or failed charge.
type PaymentTransaction struct {
	ID                int64
	UserID            int64
	SubscriptionID    *int64
	Reference         string
	AmountMinor       int64
	Currency          string
	Status            string
	AuthorizationCode string
	CardType          string
	Bank              string
	Channel           string
	CreatedAt         time.Time
}

package domain

import (
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when a user row does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrDigestNotFound is returned when a stored digest does not exist for the user.
	ErrDigestNotFound = errors.New("digest not found")
)

// Preferences holds the delivery settings of a user.
type Preferences struct {
	// DeliveryTime is a local wall clock time in HH:MM form. Empty means not configured.
	DeliveryTime string `json:"delivery_time,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// User is a BrevPulse account.
type User struct {
	ID            int64       `json:"id"`
	Email         string      `json:"email"`
	Name          string      `json:"name"`
	EmailVerified bool        `json:"email_verified"`
	Plan          Plan        `json:"plan"`
	Preferences   Preferences `json:"preferences"`
	IsActive      bool        `json:"is_active"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Limits returns the plan limits for the user.
func (u User) Limits() PlanLimits {
	return LimitsForPlan(u.Plan)
}

// ProviderToken is the stored OAuth credential of one provider for one user.
type ProviderToken struct {
	UserID       int64
	Source       Source
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Disabled     bool
	UpdatedAt    time.Time
}

// Expired reports whether the access token is no longer usable at now.
func (t ProviderToken) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Before(t.Expiry)
}

// NotificationType classifies in-app notifications.
type NotificationType string

const (
	NotificationDigest      NotificationType = "digest"
	NotificationSystem      NotificationType = "system"
	NotificationAlert       NotificationType = "alert"
	NotificationIntegration NotificationType = "integration"
)

// Notification is an in-app message for a user.
type Notification struct {
	ID        string           `json:"id"`
	UserID    int64            `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Link      string           `json:"link,omitempty"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

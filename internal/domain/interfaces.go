package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss is returned by Cache.Get when the key is absent.
	ErrCacheMiss = errors.New("cache miss")
	// ErrTokenNotFound is returned when the user never connected the provider.
	ErrTokenNotFound = errors.New("provider token not found")
	// ErrNeedsReauth is returned when a credential expired and cannot be refreshed.
	ErrNeedsReauth = errors.New("provider needs reauthorization")
)

// UserRepo manages users.
type UserRepo interface {
	GetUser(ctx context.Context, userID int64) (User, error)
	// ListUsersByPlan pages through active users of a plan ordered by id.
	ListUsersByPlan(ctx context.Context, plan Plan, afterID int64, limit int) ([]User, error)
	UpdatePreferences(ctx context.Context, userID int64, prefs Preferences) error
	SetPlan(ctx context.Context, userID int64, plan Plan) error
	EncryptionKey(ctx context.Context, userID int64) ([]byte, error)
}

// TokenRepo stores provider credentials.
type TokenRepo interface {
	GetToken(ctx context.Context, userID int64, source Source) (ProviderToken, error)
	ListTokens(ctx context.Context, userID int64) ([]ProviderToken, error)
	SaveToken(ctx context.Context, token ProviderToken) error
	DisableToken(ctx context.Context, userID int64, source Source) error
}

// DigestRepo persists encrypted digests.
type DigestRepo interface {
	InsertDigest(ctx context.Context, digest StoredDigest) (StoredDigest, error)
	ListDigests(ctx context.Context, userID int64, offset, limit int) ([]StoredDigest, error)
	MarkOpened(ctx context.Context, userID, digestID int64) error
}

// NotificationRepo persists in-app notifications.
type NotificationRepo interface {
	CreateNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, userID int64, limit int) ([]Notification, error)
}

// NotificationSink accepts notifications for asynchronous delivery.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// Cache is a key-value store with TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeleteByPattern removes every key matching a glob pattern such as "user:1:digests:*".
	DeleteByPattern(ctx context.Context, pattern string) error
}

// JobQueue schedules work for the delivery worker.
type JobQueue interface {
	Enqueue(ctx context.Context, name JobName, payload any, opts EnqueueOptions) (string, error)
	// UpsertRepeating installs or atomically replaces the repeating job with jobID.
	UpsertRepeating(ctx context.Context, jobID string, name JobName, payload any, repeat RepeatOptions) error
	RemoveRepeating(ctx context.Context, jobID string) error
}

// JobConsumer hands jobs to a worker and records their outcome.
type JobConsumer interface {
	Receive(ctx context.Context) (Job, error)
	Complete(ctx context.Context, job Job) error
	// Fail schedules a retry with backoff or moves the job to the failed set.
	// The returned bool reports whether a retry was scheduled.
	Fail(ctx context.Context, job Job, cause error) (bool, error)
}

// MailResult is the tagged outcome of a mail send.
type MailResult struct {
	Success   bool
	Message   string
	MessageID string
}

// Mailer sends rendered HTML email. Transport failures are reported in the result, never as panics.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, html string) MailResult
}

// Encryptor seals and opens payloads under a 32-byte key.
type Encryptor interface {
	Seal(key []byte, v any) (content, iv, tag []byte, err error)
	Open(key, content, iv, tag []byte, v any) error
}

// BillingTx is the set of statements a webhook handler may run inside its transaction.
type BillingTx interface {
	SubscriptionByCode(ctx context.Context, code string) (Subscription, error)
	LatestSubscriptionByUser(ctx context.Context, userID int64) (Subscription, error)
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	SaveSubscription(ctx context.Context, sub Subscription) error
	SetUserPlan(ctx context.Context, userID int64, plan Plan) error
	InsertTransaction(ctx context.Context, t PaymentTransaction) error
}

// BillingRepo stores subscriptions and the webhook ledger.
type BillingRepo interface {
	// ApplyEvent records event in the ledger and runs fn in the same transaction.
	// It returns ErrEventAlreadyProcessed without calling fn when the event id exists.
	// When fn fails nothing is committed.
	ApplyEvent(ctx context.Context, event ProcessedEvent, fn func(ctx context.Context, tx BillingTx) error) error
	GetSubscription(ctx context.Context, id int64) (Subscription, error)
	LatestSubscriptionByUser(ctx context.Context, userID int64) (Subscription, error)
	SaveSubscription(ctx context.Context, sub Subscription) error
	// ListExpiring returns canceled or past_due subscriptions whose period ended before now
	// while the user is still on the pro plan, in id order after afterID.
	ListExpiring(ctx context.Context, now time.Time, afterID int64, limit int) ([]Subscription, error)
}

package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

const subscriptionColumns = `id, user_id, provider_code, email_token, plan, status, current_period_start, current_period_end,
is_first_trial, canceled_at, created_at, updated_at`

type querier interface {
	execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanSubscription(row pgx.Row) (domain.Subscription, error) {
	var (
		sub         domain.Subscription
		plan        string
		status      string
		periodStart sql.NullTime
		periodEnd   sql.NullTime
		canceledAt  sql.NullTime
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &sub.ProviderCode, &sub.EmailToken, &plan, &status, &periodStart, &periodEnd,
		&sub.IsFirstTrial, &canceledAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return domain.Subscription{}, err
	}
	sub.Plan = domain.SubscriptionPlan(plan)
	sub.Status = domain.SubscriptionStatus(status)
	sub.CurrentPeriodStart = periodStart.Time
	sub.CurrentPeriodEnd = periodEnd.Time
	if canceledAt.Valid {
		t := canceledAt.Time
		sub.CanceledAt = &t
	}
	return sub, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return nullTime(*t)
}

func subscriptionWhere(ctx context.Context, db querier, op, where string, args ...any) (domain.Subscription, error) {
	start := time.Now()
	sub, err := scanSubscription(db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", op, "subscriptions", start, nil)
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	metrics.ObserveNetworkRequest("postgres", op, "subscriptions", start, err)
	return sub, err
}

func saveSubscription(ctx context.Context, db execer, sub domain.Subscription) error {
	start := time.Now()
	tag, err := db.Exec(ctx, `
UPDATE subscriptions
SET provider_code = $2, email_token = $3, plan = $4, status = $5, current_period_start = $6,
    current_period_end = $7, is_first_trial = $8, canceled_at = $9, updated_at = now()
WHERE id = $1
`, sub.ID, sub.ProviderCode, sub.EmailToken, string(sub.Plan), string(sub.Status), nullTime(sub.CurrentPeriodStart),
		nullTime(sub.CurrentPeriodEnd), sub.IsFirstTrial, nullTimePtr(sub.CanceledAt))
	metrics.ObserveNetworkRequest("postgres", "subscriptions_update", "subscriptions", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

// ApplyEvent records the event in the ledger and runs fn in the same transaction.
// The ledger insert comes first, so a concurrent delivery of the same event waits on the
// unique key and then sees the committed row.
func (p *Postgres) ApplyEvent(ctx context.Context, event domain.ProcessedEvent, fn func(ctx context.Context, tx domain.BillingTx) error) (err error) {
	if event.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "processed_events", start, err)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	start = time.Now()
	tag, err := tx.Exec(ctx, `
INSERT INTO processed_events (event_id, event_type, processed_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO NOTHING
`, event.EventID, event.EventType, event.ProcessedAt)
	metrics.ObserveNetworkRequest("postgres", "processed_events_insert", "processed_events", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = domain.ErrEventAlreadyProcessed
		return err
	}

	if err = fn(ctx, &billingTx{tx: tx}); err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "processed_events", start, err)
	return err
}

// GetSubscription returns a subscription by id.
func (p *Postgres) GetSubscription(ctx context.Context, id int64) (domain.Subscription, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return subscriptionWhere(ctx, p.pool, "subscriptions_get", "id = $1", id)
}

// LatestSubscriptionByUser returns the most recently created subscription of a user.
func (p *Postgres) LatestSubscriptionByUser(ctx context.Context, userID int64) (domain.Subscription, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return subscriptionWhere(ctx, p.pool, "subscriptions_latest", "user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1", userID)
}

// SaveSubscription updates a subscription row.
func (p *Postgres) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return saveSubscription(ctx, p.pool, sub)
}

// ListExpiring returns lapsed canceled or past_due subscriptions of users still on pro
// who hold no other active subscription, ordered by id after afterID.
func (p *Postgres) ListExpiring(ctx context.Context, now time.Time, afterID int64, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT s.id, s.user_id, s.provider_code, s.email_token, s.plan, s.status, s.current_period_start, s.current_period_end,
       s.is_first_trial, s.canceled_at, s.created_at, s.updated_at
FROM subscriptions s
JOIN users u ON u.id = s.user_id
WHERE s.status IN ('canceled', 'past_due')
  AND s.current_period_end <= $1
  AND u.plan = 'pro'
  AND NOT EXISTS (SELECT 1 FROM subscriptions a WHERE a.user_id = s.user_id AND a.status = 'active')
  AND s.id > $2
ORDER BY s.id
LIMIT $3
`, now, afterID, limit)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_list_expiring", "subscriptions", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// billingTx runs webhook statements inside the ApplyEvent transaction.
type billingTx struct {
	tx pgx.Tx
}

var _ domain.BillingTx = (*billingTx)(nil)

func (b *billingTx) SubscriptionByCode(ctx context.Context, code string) (domain.Subscription, error) {
	return subscriptionWhere(ctx, b.tx, "subscriptions_by_code", "provider_code = $1 FOR UPDATE", code)
}

func (b *billingTx) LatestSubscriptionByUser(ctx context.Context, userID int64) (domain.Subscription, error) {
	return subscriptionWhere(ctx, b.tx, "subscriptions_latest", "user_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1 FOR UPDATE", userID)
}

func (b *billingTx) CreateSubscription(ctx context.Context, sub domain.Subscription) (domain.Subscription, error) {
	start := time.Now()
	row := b.tx.QueryRow(ctx, `
INSERT INTO subscriptions (user_id, provider_code, email_token, plan, status, current_period_start, current_period_end,
                           is_first_trial, canceled_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+subscriptionColumns, sub.UserID, sub.ProviderCode, sub.EmailToken, string(sub.Plan), string(sub.Status),
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.IsFirstTrial, nullTimePtr(sub.CanceledAt))
	created, err := scanSubscription(row)
	metrics.ObserveNetworkRequest("postgres", "subscriptions_insert", "subscriptions", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.Subscription{}, fmt.Errorf("subscription for user %d already active: %w", sub.UserID, err)
		}
		return domain.Subscription{}, err
	}
	return created, nil
}

func (b *billingTx) SaveSubscription(ctx context.Context, sub domain.Subscription) error {
	return saveSubscription(ctx, b.tx, sub)
}

func (b *billingTx) SetUserPlan(ctx context.Context, userID int64, plan domain.Plan) error {
	return setUserPlan(ctx, b.tx, userID, plan)
}

func (b *billingTx) InsertTransaction(ctx context.Context, t domain.PaymentTransaction) error {
	var subID sql.NullInt64
	if t.SubscriptionID != nil {
		subID = sql.NullInt64{Int64: *t.SubscriptionID, Valid: true}
	}
	start := time.Now()
	_, err := b.tx.Exec(ctx, `
INSERT INTO payment_transactions (user_id, subscription_id, reference, amount_minor, currency, status,
                                  authorization_code, card_type, bank, channel)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (reference) DO NOTHING
`, t.UserID, subID, t.Reference, t.AmountMinor, t.Currency, t.Status, t.AuthorizationCode, t.CardType, t.Bank, t.Channel)
	metrics.ObserveNetworkRequest("postgres", "payment_transactions_insert", "payment_transactions", start, err)
	return err
}

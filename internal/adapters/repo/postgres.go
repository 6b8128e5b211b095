package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/crypto"
	"brevpulse/internal/infra/metrics"
)

// Postgres implements the repositories on top of pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo           = (*Postgres)(nil)
	_ domain.TokenRepo          = (*Postgres)(nil)
	_ domain.DigestRepo         = (*Postgres)(nil)
	_ domain.NotificationRepo   = (*Postgres)(nil)
	_ domain.BusinessMetricRepo = (*Postgres)(nil)
	_ domain.BillingRepo        = (*Postgres)(nil)
)

// NewPostgres creates the adapter.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// RecordBusinessMetric stores a product event.
func (p *Postgres) RecordBusinessMetric(ctx context.Context, metric domain.BusinessMetric) error {
	if metric.Event == "" {
		return nil
	}
	if metric.OccurredAt.IsZero() {
		metric.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var userID sql.NullInt64
	if metric.UserID != nil {
		userID = sql.NullInt64{Int64: *metric.UserID, Valid: true}
	}
	var payload []byte
	if metric.Metadata != nil {
		if data, err := json.Marshal(metric.Metadata); err == nil {
			payload = data
		}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO business_metrics (event, user_id, metadata, occurred_at)
VALUES ($1, $2, $3, $4)
`, metric.Event, userID, payload, metric.OccurredAt)
	metrics.ObserveNetworkRequest("postgres", "business_metrics_insert", "business_metrics", start, err)
	return err
}

const userColumns = `id, email, name, email_verified, plan, delivery_time, timezone, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user         domain.User
		plan         string
		deliveryTime sql.NullString
		timezone     sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.EmailVerified, &plan, &deliveryTime, &timezone,
		&user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return domain.User{}, err
	}
	user.Plan = domain.ParsePlan(plan)
	user.Preferences = domain.Preferences{DeliveryTime: deliveryTime.String, Timezone: timezone.String}
	return user, nil
}

// GetUser returns a user or domain.ErrUserNotFound.
func (p *Postgres) GetUser(ctx context.Context, userID int64) (domain.User, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, nil)
		return domain.User{}, domain.ErrUserNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "users_get", "users", start, err)
	return user, err
}

// ListUsersByPlan returns active users of a plan with id greater than afterID.
func (p *Postgres) ListUsersByPlan(ctx context.Context, plan domain.Plan, afterID int64, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+userColumns+`
FROM users
WHERE plan = $1 AND is_active AND id > $2
ORDER BY id
LIMIT $3
`, string(plan), afterID, limit)
	metrics.ObserveNetworkRequest("postgres", "users_list_by_plan", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// UpdatePreferences stores delivery time and timezone.
func (p *Postgres) UpdatePreferences(ctx context.Context, userID int64, prefs domain.Preferences) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE users SET delivery_time = NULLIF($2, ''), timezone = NULLIF($3, ''), updated_at = now()
WHERE id = $1
`, userID, prefs.DeliveryTime, prefs.Timezone)
	metrics.ObserveNetworkRequest("postgres", "users_update_preferences", "users", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// SetPlan changes the plan of a user.
func (p *Postgres) SetPlan(ctx context.Context, userID int64, plan domain.Plan) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return setUserPlan(ctx, p.pool, userID, plan)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func setUserPlan(ctx context.Context, db execer, userID int64, plan domain.Plan) error {
	start := time.Now()
	tag, err := db.Exec(ctx, `UPDATE users SET plan = $2, updated_at = now() WHERE id = $1`, userID, string(plan))
	metrics.ObserveNetworkRequest("postgres", "users_set_plan", "users", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

// EncryptionKey returns the user's key, generating it on first use.
func (p *Postgres) EncryptionKey(ctx context.Context, userID int64) ([]byte, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var key []byte
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT encryption_key FROM users WHERE id = $1`, userID).Scan(&key)
	metrics.ObserveNetworkRequest("postgres", "users_get_key", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(key) == crypto.KeySize {
		return key, nil
	}

	fresh, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	start = time.Now()
	err = p.pool.QueryRow(ctx, `
UPDATE users SET encryption_key = COALESCE(encryption_key, $2)
WHERE id = $1
RETURNING encryption_key
`, userID, fresh).Scan(&key)
	metrics.ObserveNetworkRequest("postgres", "users_init_key", "users", start, err)
	if err != nil {
		return nil, fmt.Errorf("init encryption key: %w", err)
	}
	return key, nil
}

func scanToken(row pgx.Row) (domain.ProviderToken, error) {
	var (
		tok    domain.ProviderToken
		source string
		expiry sql.NullTime
	)
	if err := row.Scan(&tok.UserID, &source, &tok.AccessToken, &tok.RefreshToken, &expiry, &tok.Disabled, &tok.UpdatedAt); err != nil {
		return domain.ProviderToken{}, err
	}
	tok.Source = domain.Source(source)
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return tok, nil
}

const tokenColumns = `user_id, source, access_token, refresh_token, expiry, disabled, updated_at`

// GetToken returns the stored credential or domain.ErrTokenNotFound.
func (p *Postgres) GetToken(ctx context.Context, userID int64, source domain.Source) (domain.ProviderToken, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tok, err := scanToken(p.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM provider_tokens WHERE user_id = $1 AND source = $2`, userID, string(source)))
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "provider_tokens_get", "provider_tokens", start, nil)
		return domain.ProviderToken{}, domain.ErrTokenNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "provider_tokens_get", "provider_tokens", start, err)
	return tok, err
}

// ListTokens returns every credential of a user.
func (p *Postgres) ListTokens(ctx context.Context, userID int64) ([]domain.ProviderToken, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT `+tokenColumns+` FROM provider_tokens WHERE user_id = $1 ORDER BY source`, userID)
	metrics.ObserveNetworkRequest("postgres", "provider_tokens_list", "provider_tokens", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProviderToken
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// SaveToken upserts a credential and re-enables it.
func (p *Postgres) SaveToken(ctx context.Context, tok domain.ProviderToken) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var expiry sql.NullTime
	if !tok.Expiry.IsZero() {
		expiry = sql.NullTime{Time: tok.Expiry, Valid: true}
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO provider_tokens (user_id, source, access_token, refresh_token, expiry, disabled, updated_at)
VALUES ($1, $2, $3, $4, $5, FALSE, now())
ON CONFLICT (user_id, source) DO UPDATE
    SET access_token = EXCLUDED.access_token,
        refresh_token = EXCLUDED.refresh_token,
        expiry = EXCLUDED.expiry,
        disabled = FALSE,
        updated_at = now()
`, tok.UserID, string(tok.Source), tok.AccessToken, tok.RefreshToken, expiry)
	metrics.ObserveNetworkRequest("postgres", "provider_tokens_upsert", "provider_tokens", start, err)
	return err
}

// DisableToken marks a credential unusable.
func (p *Postgres) DisableToken(ctx context.Context, userID int64, source domain.Source) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `UPDATE provider_tokens SET disabled = TRUE, updated_at = now() WHERE user_id = $1 AND source = $2`, userID, string(source))
	metrics.ObserveNetworkRequest("postgres", "provider_tokens_disable", "provider_tokens", start, err)
	return err
}

// InsertDigest stores an encrypted digest.
func (p *Postgres) InsertDigest(ctx context.Context, d domain.StoredDigest) (domain.StoredDigest, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	summary, err := json.Marshal(d.Summary)
	if err != nil {
		return domain.StoredDigest{}, fmt.Errorf("marshal summary: %w", err)
	}
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	start := time.Now()
	err = p.pool.QueryRow(ctx, `
INSERT INTO digests (user_id, content, iv, auth_tag, sent_at, delivery_channels, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, d.UserID, d.Content, d.IV, d.AuthTag, d.SentAt, channelsToText(d.DeliveryChannels), summary).Scan(&d.ID)
	metrics.ObserveNetworkRequest("postgres", "digests_insert", "digests", start, err)
	if err != nil {
		return domain.StoredDigest{}, err
	}
	return d, nil
}

// ListDigests returns a page of a user's digests, newest first.
func (p *Postgres) ListDigests(ctx context.Context, userID int64, offset, limit int) ([]domain.StoredDigest, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, content, iv, auth_tag, sent_at, delivery_channels, summary, opened
FROM digests
WHERE user_id = $1
ORDER BY sent_at DESC, id DESC
OFFSET $2 LIMIT $3
`, userID, offset, limit)
	metrics.ObserveNetworkRequest("postgres", "digests_list", "digests", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StoredDigest
	for rows.Next() {
		var (
			d        domain.StoredDigest
			channels []string
			summary  []byte
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.Content, &d.IV, &d.AuthTag, &d.SentAt, &channels, &summary, &d.Opened); err != nil {
			return nil, err
		}
		for _, c := range channels {
			d.DeliveryChannels = append(d.DeliveryChannels, domain.DeliveryChannel(c))
		}
		if err := json.Unmarshal(summary, &d.Summary); err != nil {
			return nil, fmt.Errorf("decode summary of digest %d: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkOpened flags a digest as opened by its owner.
func (p *Postgres) MarkOpened(ctx context.Context, userID, digestID int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `UPDATE digests SET opened = TRUE WHERE id = $1 AND user_id = $2`, digestID, userID)
	metrics.ObserveNetworkRequest("postgres", "digests_mark_opened", "digests", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDigestNotFound
	}
	return nil
}

func channelsToText(channels []domain.DeliveryChannel) []string {
	if len(channels) == 0 {
		return []string{string(domain.ChannelEmail)}
	}
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		out = append(out, string(c))
	}
	return out
}

// CreateNotification stores an in-app notification.
func (p *Postgres) CreateNotification(ctx context.Context, n domain.Notification) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	id, err := uuid.Parse(n.ID)
	if err != nil {
		id = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO notifications (id, user_id, type, title, message, link, read, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
`, id, n.UserID, string(n.Type), strings.TrimSpace(n.Title), strings.TrimSpace(n.Message), n.Link, n.Read, n.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "notifications_insert", "notifications", start, err)
	return err
}

// ListNotifications returns the newest notifications of a user.
func (p *Postgres) ListNotifications(ctx context.Context, userID int64, limit int) ([]domain.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, type, title, message, link, read, created_at
FROM notifications
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "notifications_list", "notifications", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Notification{}
	for rows.Next() {
		var (
			n   domain.Notification
			id  uuid.UUID
			typ string
		)
		if err := rows.Scan(&id, &n.UserID, &typ, &n.Title, &n.Message, &n.Link, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.ID = id.String()
		n.Type = domain.NotificationType(typ)
		out = append(out, n)
	}
	return out, rows.Err()
}

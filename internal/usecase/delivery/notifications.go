package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
)

const maxInboxLimit = 100

// InboxCacheKey is the cache key of a user's notification list at limit.
func InboxCacheKey(userID int64, limit int) string {
	return fmt.Sprintf("user:%d:notifications:limit:%d", userID, limit)
}

func inboxCachePattern(userID int64) string {
	return fmt.Sprintf("user:%d:notifications:*", userID)
}

// NotificationStore returns the bus handler that persists notifications for the API to list.
// cache may be nil; otherwise the user's cached lists are dropped after each insert.
func NotificationStore(repo domain.NotificationRepo, cache domain.Cache, logger zerolog.Logger) func(context.Context, domain.Notification) error {
	return func(ctx context.Context, n domain.Notification) error {
		if n.UserID == 0 {
			logger.Warn().Str("notification_id", n.ID).Msg("notifications: missing user, dropping")
			return nil
		}
		if err := repo.CreateNotification(ctx, n); err != nil {
			return fmt.Errorf("store notification: %w", err)
		}
		if cache != nil {
			if err := cache.DeleteByPattern(ctx, inboxCachePattern(n.UserID)); err != nil {
				logger.Warn().Err(err).Int64("user_id", n.UserID).Msg("notifications: cache invalidation failed")
			}
		}
		return nil
	}
}

// Inbox serves a user's notifications, newest first, through the cache.
type Inbox struct {
	repo   domain.NotificationRepo
	cache  domain.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewInbox creates an inbox reader. cache may be nil.
func NewInbox(repo domain.NotificationRepo, cache domain.Cache, ttl time.Duration, logger zerolog.Logger) *Inbox {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Inbox{repo: repo, cache: cache, ttl: ttl, logger: logger}
}

// List returns up to limit notifications of the user.
func (i *Inbox) List(ctx context.Context, userID int64, limit int) ([]domain.Notification, error) {
	if limit < 1 || limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	key := InboxCacheKey(userID, limit)
	if i.cache != nil {
		raw, err := i.cache.Get(ctx, key)
		switch {
		case err == nil:
			var items []domain.Notification
			if jerr := json.Unmarshal(raw, &items); jerr == nil {
				return items, nil
			}
			i.logger.Warn().Str("key", key).Msg("notifications: dropping unreadable cache entry")
		case !errors.Is(err, domain.ErrCacheMiss):
			i.logger.Warn().Err(err).Str("key", key).Msg("notifications: cache read failed")
		}
	}

	items, err := i.repo.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	if items == nil {
		items = []domain.Notification{}
	}
	if i.cache != nil {
		if raw, err := json.Marshal(items); err == nil {
			if err := i.cache.Set(ctx, key, raw, i.ttl); err != nil {
				i.logger.Warn().Err(err).Str("key", key).Msg("notifications: cache write failed")
			}
		}
	}
	return items, nil
}

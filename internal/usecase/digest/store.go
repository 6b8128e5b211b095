package digest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
)

const (
	defaultPageSize = 10
	maxPageSize     = 50
)

// ListCacheKey is the cache key of one page of a user's digest list.
func ListCacheKey(userID int64, page, limit int) string {
	return fmt.Sprintf("user:%d:digests:all:page:%d:limit:%d", userID, page, limit)
}

func listCachePattern(userID int64) string {
	return fmt.Sprintf("user:%d:digests:*", userID)
}

// Store persists encrypted digests and serves decrypted pages.
type Store struct {
	digests   domain.DigestRepo
	users     domain.UserRepo
	encryptor domain.Encryptor
	cache     domain.Cache
	ttl       time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStore creates a digest store. cache may be nil.
func NewStore(digests domain.DigestRepo, users domain.UserRepo, encryptor domain.Encryptor, cache domain.Cache, ttl time.Duration, logger zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		digests:   digests,
		users:     users,
		encryptor: encryptor,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With().Str("component", "digest_store").Logger(),
		now:       time.Now,
	}
}

// Save encrypts payload under the user's key and stores it with its plaintext summary.
func (s *Store) Save(ctx context.Context, userID int64, payload domain.DigestPayload, channels []domain.DeliveryChannel) (domain.StoredDigest, error) {
	key, err := s.users.EncryptionKey(ctx, userID)
	if err != nil {
		return domain.StoredDigest{}, fmt.Errorf("load encryption key: %w", err)
	}
	content, iv, tag, err := s.encryptor.Seal(key, payload)
	if err != nil {
		return domain.StoredDigest{}, fmt.Errorf("encrypt digest: %w", err)
	}
	if len(channels) == 0 {
		channels = []domain.DeliveryChannel{domain.ChannelEmail}
	}
	saved, err := s.digests.InsertDigest(ctx, domain.StoredDigest{
		UserID:           userID,
		Content:          content,
		IV:               iv,
		AuthTag:          tag,
		SentAt:           s.now().UTC(),
		DeliveryChannels: channels,
		Summary:          payload.Summary,
	})
	if err != nil {
		return domain.StoredDigest{}, fmt.Errorf("insert digest: %w", err)
	}
	s.invalidate(ctx, userID)
	return saved, nil
}

// List returns a page of decrypted digests, newest first, through the cache.
func (s *Store) List(ctx context.Context, userID int64, page, limit int) ([]domain.DigestView, error) {
	page, limit = normalizePage(page, limit)
	cacheKey := ListCacheKey(userID, page, limit)

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, cacheKey)
		switch {
		case err == nil:
			var views []domain.DigestView
			if jerr := json.Unmarshal(raw, &views); jerr == nil {
				return views, nil
			}
			s.logger.Warn().Str("key", cacheKey).Msg("digest_store: dropping unreadable cache entry")
		case !errors.Is(err, domain.ErrCacheMiss):
			s.logger.Warn().Err(err).Str("key", cacheKey).Msg("digest_store: cache read failed")
		}
	}

	rows, err := s.digests.ListDigests(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	views := make([]domain.DigestView, 0, len(rows))
	if len(rows) > 0 {
		key, err := s.users.EncryptionKey(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load encryption key: %w", err)
		}
		for _, row := range rows {
			var payload domain.DigestPayload
			if err := s.encryptor.Open(key, row.Content, row.IV, row.AuthTag, &payload); err != nil {
				return nil, fmt.Errorf("decrypt digest %d: %w", row.ID, err)
			}
			views = append(views, domain.DigestView{
				ID:               row.ID,
				SentAt:           row.SentAt,
				DeliveryChannels: row.DeliveryChannels,
				Opened:           row.Opened,
				Payload:          payload,
			})
		}
	}

	if s.cache != nil {
		if raw, err := json.Marshal(views); err == nil {
			if err := s.cache.Set(ctx, cacheKey, raw, s.ttl); err != nil {
				s.logger.Warn().Err(err).Str("key", cacheKey).Msg("digest_store: cache write failed")
			}
		}
	}
	return views, nil
}

// MarkOpened flags a digest as opened and drops the cached pages.
func (s *Store) MarkOpened(ctx context.Context, userID, digestID int64) error {
	if err := s.digests.MarkOpened(ctx, userID, digestID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *Store) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, listCachePattern(userID)); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("digest_store: cache invalidation failed")
	}
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

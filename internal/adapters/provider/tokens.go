package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/singleflight"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

// ErrNotConnected is returned when the user has no usable credential for a provider.
var ErrNotConnected = errors.New("provider not connected")

// refreshTimeout bounds a shared refresh independently of the caller that started it.
const refreshTimeout = 30 * time.Second

func userCacheKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

// GoogleConfig returns the OAuth config shared by Gmail and Calendar.
func GoogleConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoints.Google,
		Scopes: []string{
			"https://www.googleapis.com/auth/gmail.readonly",
			"https://www.googleapis.com/auth/calendar.readonly",
		},
	}
}

// GitHubConfig returns the OAuth config for GitHub.
func GitHubConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     endpoints.GitHub,
		Scopes:       []string{"notifications", "read:user"},
	}
}

// TokenSource hands out fresh access tokens, refreshing expired ones once per user and provider.
type TokenSource struct {
	repo    domain.TokenRepo
	configs map[domain.Source]*oauth2.Config
	base    *http.Client
	cache   domain.Cache
	group   singleflight.Group
	now     func() time.Time
	logger  zerolog.Logger
}

// NewTokenSource creates a token source. base is used for both refresh and API calls.
// cache may be nil; otherwise the user's cached profile is dropped whenever a credential changes.
func NewTokenSource(repo domain.TokenRepo, configs map[domain.Source]*oauth2.Config, base *http.Client, cache domain.Cache, logger zerolog.Logger) *TokenSource {
	if base == nil {
		base = &http.Client{Timeout: 20 * time.Second}
	}
	return &TokenSource{
		repo:    repo,
		configs: configs,
		base:    base,
		cache:   cache,
		now:     time.Now,
		logger:  logger,
	}
}

// Token returns a usable access token for the provider.
func (s *TokenSource) Token(ctx context.Context, userID int64, source domain.Source) (string, error) {
	tok, err := s.load(ctx, userID, source)
	if err != nil {
		return "", err
	}
	if !tok.Expired(s.now()) {
		return tok.AccessToken, nil
	}
	key := strconv.FormatInt(userID, 10) + ":" + string(source)
	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return s.refresh(fctx, userID, source)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Client returns an HTTP client that authenticates as the user.
func (s *TokenSource) Client(ctx context.Context, userID int64, source domain.Source) (*http.Client, error) {
	access, err := s.Token(ctx, userID, source)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: access, TokenType: "Bearer"}))
	client.Timeout = s.base.Timeout
	return client, nil
}

// Disable marks the credential unusable, e.g. after the provider revoked it.
func (s *TokenSource) Disable(ctx context.Context, userID int64, source domain.Source) error {
	if err := s.repo.DisableToken(ctx, userID, source); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *TokenSource) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, userCacheKey(userID)); err != nil {
		s.logger.Warn().Err(err).Int64("user_id", userID).Msg("provider: invalidate user cache failed")
	}
}

func (s *TokenSource) load(ctx context.Context, userID int64, source domain.Source) (domain.ProviderToken, error) {
	tok, err := s.repo.GetToken(ctx, userID, source)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return domain.ProviderToken{}, ErrNotConnected
	}
	if err != nil {
		return domain.ProviderToken{}, fmt.Errorf("load token: %w", err)
	}
	if tok.Disabled || tok.AccessToken == "" {
		return domain.ProviderToken{}, ErrNotConnected
	}
	return tok, nil
}

func (s *TokenSource) refresh(ctx context.Context, userID int64, source domain.Source) (string, error) {
	// A concurrent caller may have refreshed while this one waited for the flight.
	tok, err := s.load(ctx, userID, source)
	if err != nil {
		return "", err
	}
	if !tok.Expired(s.now()) {
		return tok.AccessToken, nil
	}
	if tok.RefreshToken == "" {
		metrics.TokenRefreshTotal.WithLabelValues(string(source), "reauth").Inc()
		return "", domain.ErrNeedsReauth
	}
	cfg, ok := s.configs[source]
	if !ok {
		return "", fmt.Errorf("no oauth config for %s", source)
	}

	start := time.Now()
	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, s.base)
	fresh, err := cfg.TokenSource(refreshCtx, &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       s.now().Add(-time.Minute),
	}).Token()
	metrics.ObserveNetworkRequest("oauth2", "refresh", string(source), start, err)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && (re.ErrorCode == "invalid_grant" || re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized) {
			metrics.TokenRefreshTotal.WithLabelValues(string(source), "reauth").Inc()
			return "", domain.ErrNeedsReauth
		}
		metrics.TokenRefreshTotal.WithLabelValues(string(source), "error").Inc()
		return "", fmt.Errorf("refresh token: %w", err)
	}
	metrics.TokenRefreshTotal.WithLabelValues(string(source), "success").Inc()

	tok.AccessToken = fresh.AccessToken
	tok.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		tok.RefreshToken = fresh.RefreshToken
	}
	tok.UpdatedAt = s.now()
	if err := s.repo.SaveToken(ctx, tok); err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Str("provider", string(source)).Msg("provider: persist refreshed token failed")
		return tok.AccessToken, nil
	}
	s.invalidate(ctx, userID)
	return tok.AccessToken, nil
}

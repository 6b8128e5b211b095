package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/cache"
)

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]domain.ProviderToken
	saves  int
}

func newMemTokens(tokens ...domain.ProviderToken) *memTokens {
	m := &memTokens{tokens: map[string]domain.ProviderToken{}}
	for _, t := range tokens {
		m.tokens[tokenKey(t.UserID, t.Source)] = t
	}
	return m
}

func tokenKey(userID int64, source domain.Source) string {
	return string(source) + ":" + time.Duration(userID).String()
}

func (m *memTokens) GetToken(_ context.Context, userID int64, source domain.Source) (domain.ProviderToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenKey(userID, source)]
	if !ok {
		return domain.ProviderToken{}, domain.ErrTokenNotFound
	}
	return t, nil
}

func (m *memTokens) ListTokens(_ context.Context, userID int64) ([]domain.ProviderToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ProviderToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTokens) SaveToken(_ context.Context, t domain.ProviderToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.tokens[tokenKey(t.UserID, t.Source)] = t
	return nil
}

func (m *memTokens) DisableToken(_ context.Context, userID int64, source domain.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[tokenKey(userID, source)]
	t.Disabled = true
	m.tokens[tokenKey(userID, source)] = t
	return nil
}

func testTokenSource(repo domain.TokenRepo, tokenURL string) *TokenSource {
	return cachedTokenSource(repo, tokenURL, nil)
}

func cachedTokenSource(repo domain.TokenRepo, tokenURL string, c domain.Cache) *TokenSource {
	cfg := &oauth2.Config{ClientID: "id", ClientSecret: "secret", Endpoint: oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}}
	return NewTokenSource(repo, map[domain.Source]*oauth2.Config{
		domain.SourceGmail:    cfg,
		domain.SourceCalendar: cfg,
		domain.SourceGitHub:   cfg,
	}, &http.Client{Timeout: 5 * time.Second}, c, zerolog.Nop())
}

func tokenServer(t *testing.T, release <-chan struct{}, refreshes *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		if release != nil {
			<-release
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSourceNotConnected(t *testing.T) {
	ts := testTokenSource(newMemTokens(), "http://unused")
	_, err := ts.Token(context.Background(), 1, domain.SourceGmail)
	assert.ErrorIs(t, err, ErrNotConnected)

	disabled := newMemTokens(domain.ProviderToken{UserID: 1, Source: domain.SourceGmail, AccessToken: "a", Disabled: true})
	_, err = testTokenSource(disabled, "http://unused").Token(context.Background(), 1, domain.SourceGmail)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTokenSourceExpiredWithoutRefreshNeedsReauth(t *testing.T) {
	repo := newMemTokens(domain.ProviderToken{UserID: 1, Source: domain.SourceGmail, AccessToken: "a", Expiry: time.Now().Add(-time.Hour)})
	_, err := testTokenSource(repo, "http://unused").Token(context.Background(), 1, domain.SourceGmail)
	assert.ErrorIs(t, err, domain.ErrNeedsReauth)
}

func TestTokenSourceRefreshIsSingleFlight(t *testing.T) {
	var refreshes atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	repo := newMemTokens(domain.ProviderToken{UserID: 9, Source: domain.SourceGmail, AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)})
	ts := testTokenSource(repo, srv.URL)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Token(context.Background(), 9, domain.SourceGmail)
			if err == nil {
				results[i] = tok
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "fresh", r)
	}
	assert.Equal(t, int32(1), refreshes.Load())
	stored, err := repo.GetToken(context.Background(), 9, domain.SourceGmail)
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "r", stored.RefreshToken)
	assert.True(t, stored.Expiry.After(time.Now()))
}

func TestTokenSourceRefreshOutlivesCanceledCaller(t *testing.T) {
	var refreshes atomic.Int32
	release := make(chan struct{})
	srv := tokenServer(t, release, &refreshes)

	repo := newMemTokens(domain.ProviderToken{UserID: 9, Source: domain.SourceGmail, AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)})
	ts := testTokenSource(repo, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := ts.Token(ctx, 9, domain.SourceGmail)
		first <- err
	}()
	require.Eventually(t, func() bool { return refreshes.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan string, 1)
	go func() {
		tok, _ := ts.Token(context.Background(), 9, domain.SourceGmail)
		second <- tok
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.Equal(t, "fresh", <-second)
	assert.Equal(t, int32(1), refreshes.Load())
	stored, err := repo.GetToken(context.Background(), 9, domain.SourceGmail)
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
}

func TestTokenChangesInvalidateUserCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	var refreshes atomic.Int32
	srv := tokenServer(t, nil, &refreshes)

	repo := newMemTokens(domain.ProviderToken{UserID: 4, Source: domain.SourceGmail, AccessToken: "stale", RefreshToken: "r", Expiry: time.Now().Add(-time.Minute)})
	ts := cachedTokenSource(repo, srv.URL, c)

	require.NoError(t, mr.Set("user:4", `{"id":4}`))
	tok, err := ts.Token(context.Background(), 4, domain.SourceGmail)
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.False(t, mr.Exists("user:4"))

	require.NoError(t, mr.Set("user:4", `{"id":4}`))
	require.NoError(t, mr.Set("user:5", `{"id":5}`))
	require.NoError(t, ts.Disable(context.Background(), 4, domain.SourceGmail))
	assert.False(t, mr.Exists("user:4"))
	assert.True(t, mr.Exists("user:5"))
}

func TestGmailFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer live", r.Header.Get("Authorization"))
		switch {
		case r.URL.Path == "/gmail/v1/users/me/messages":
			assert.Equal(t, "is:unread newer_than:2d", r.URL.Query().Get("q"))
			_, _ = w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}]}`))
		case strings.HasPrefix(r.URL.Path, "/gmail/v1/users/me/messages/"):
			id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
			assert.Equal(t, "metadata", r.URL.Query().Get("format"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": id, "threadId": "t-" + id, "snippet": "snippet " + id, "internalDate": "1767258000000",
				"payload": map[string]any{"headers": []map[string]string{
					{"name": "Subject", "value": "Invoice " + id},
					{"name": "From", "value": "Billing <Billing@Acme.com>"},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	repo := newMemTokens(domain.ProviderToken{UserID: 1, Source: domain.SourceGmail, AccessToken: "live"})
	g := NewGmail(testTokenSource(repo, ""), srv.URL, 48*time.Hour, 50, zerolog.Nop())
	res := g.Fetch(context.Background(), 1)
	require.True(t, res.OK(), res.Message)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "Invoice m1", res.Events[0].Subject)
	assert.Equal(t, "billing@acme.com", res.Events[0].Meta["sender"])
	assert.Equal(t, []string{"Billing"}, res.Events[0].Participants)
	assert.Equal(t, "https://mail.google.com/mail/u/0/#inbox/m2", res.Events[1].Link)
}

func TestFetchNotConnectedIsEmptySuccess(t *testing.T) {
	g := NewGmail(testTokenSource(newMemTokens(), ""), "http://unused", 0, 0, zerolog.Nop())
	res := g.Fetch(context.Background(), 1)
	assert.True(t, res.OK())
	assert.Empty(t, res.Events)
	assert.NotNil(t, res.Events)
}

func TestCalendarFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendar/v3/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		assert.Equal(t, "startTime", r.URL.Query().Get("orderBy"))
		_, _ = w.Write([]byte(`{"timeZone":"Africa/Lagos","items":[
			{"id":"e1","summary":"Standup","htmlLink":"https://calendar.google.com/e1","recurringEventId":"s1","start":{"dateTime":"2026-01-02T09:00:00+01:00"},"attendees":[{"email":"me@x.com","self":true,"responseStatus":"needsAction"},{"email":"bob@x.com"}]},
			{"id":"e2","summary":"Gone","status":"cancelled","start":{"dateTime":"2026-01-02T10:00:00Z"}},
			{"id":"e3","summary":"Holiday","start":{"date":"2026-01-03"}}
		]}`))
	}))
	defer srv.Close()

	repo := newMemTokens(domain.ProviderToken{UserID: 1, Source: domain.SourceCalendar, AccessToken: "live"})
	c := NewCalendar(testTokenSource(repo, ""), srv.URL, 0, 0, zerolog.Nop())
	res := c.Fetch(context.Background(), 1)
	require.True(t, res.OK(), res.Message)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "s1", res.Events[0].Meta["recurring_event_id"])
	assert.Equal(t, "needsAction", res.Events[0].Meta["response"])
	assert.Equal(t, []string{"bob@x.com"}, res.Events[0].Participants)
	assert.Equal(t, time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC), res.Events[0].Timestamp)
	assert.Equal(t, "true", res.Events[1].Meta["all_day"])
}

func TestGitHubFetchRewritesLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("participating"))
		_, _ = w.Write([]byte(`[{"id":"n1","reason":"review_requested","updated_at":"2026-01-01T10:00:00Z",
			"subject":{"title":"Add cache","url":"https://api.github.com/repos/acme/api/pulls/12","type":"PullRequest"},
			"repository":{"full_name":"acme/api","html_url":"https://github.com/acme/api"}}]`))
	}))
	defer srv.Close()

	repo := newMemTokens(domain.ProviderToken{UserID: 1, Source: domain.SourceGitHub, AccessToken: "live"})
	g := NewGitHub(testTokenSource(repo, ""), srv.URL, 0, 0, zerolog.Nop())
	res := g.Fetch(context.Background(), 1)
	require.True(t, res.OK(), res.Message)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "https://github.com/acme/api/pull/12", res.Events[0].Link)
	assert.Equal(t, "acme/api", res.Events[0].Meta["repo"])
}

func TestGitHubUnauthorizedDisablesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	repo := newMemTokens(domain.ProviderToken{UserID: 1, Source: domain.SourceGitHub, AccessToken: "revoked"})
	g := NewGitHub(testTokenSource(repo, ""), srv.URL, 0, 0, zerolog.Nop())
	res := g.Fetch(context.Background(), 1)
	assert.False(t, res.OK())

	stored, err := repo.GetToken(context.Background(), 1, domain.SourceGitHub)
	require.NoError(t, err)
	assert.True(t, stored.Disabled)
}

func TestGetJSONReportsHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	var out map[string]any
	err := getJSON(context.Background(), srv.Client(), "github", "notifications", srv.URL, nil, &out)
	var se *HTTPStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "rate limited", se.Body)
	assert.True(t, isStatus(err, http.StatusForbidden))
	assert.False(t, isStatus(err, http.StatusUnauthorized))
}

type fakeFetcher struct{ source domain.Source }

func (f fakeFetcher) Source() domain.Source               { return f.source }
func (f fakeFetcher) Fetch(context.Context, int64) Result { return Result{Status: StatusSuccess} }

func TestNewSetOrdersAndDedupes(t *testing.T) {
	set := NewSet(fakeFetcher{domain.SourceGitHub}, nil, fakeFetcher{domain.SourceGmail}, fakeFetcher{domain.SourceGitHub})
	assert.Equal(t, []domain.Source{domain.SourceGmail, domain.SourceGitHub}, set.Sources())
}

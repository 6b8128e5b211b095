package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
)

const (
	defaultGitHubBaseURL = "https://api.github.com"
	githubNotifications  = "https://github.com/notifications"
)

// GitHub fetches participating notifications.
type GitHub struct {
	tokens     *TokenSource
	baseURL    string
	window     time.Duration
	maxResults int
	now        func() time.Time
	logger     zerolog.Logger
}

// NewGitHub creates the GitHub fetcher.
func NewGitHub(tokens *TokenSource, baseURL string, window time.Duration, maxResults int, logger zerolog.Logger) *GitHub {
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}
	if window <= 0 {
		window = 60 * 24 * time.Hour
	}
	if maxResults <= 0 {
		maxResults = 50
	}
	return &GitHub{tokens: tokens, baseURL: strings.TrimRight(baseURL, "/"), window: window, maxResults: maxResults, now: time.Now, logger: logger}
}

func (g *GitHub) Source() domain.Source { return domain.SourceGitHub }

func (g *GitHub) Fetch(ctx context.Context, userID int64) Result {
	return fetchWith(ctx, g.tokens, domain.SourceGitHub, userID, g.logger, func(ctx context.Context, client *http.Client) ([]domain.DigestEvent, error) {
		events, err := g.fetch(ctx, client)
		if err != nil && isStatus(err, http.StatusUnauthorized) {
			if derr := g.tokens.Disable(ctx, userID, domain.SourceGitHub); derr != nil {
				g.logger.Error().Err(derr).Int64("user_id", userID).Msg("provider: disable github token failed")
			}
			return nil, errors.Join(domain.ErrNeedsReauth, err)
		}
		return events, err
	})
}

type githubNotification struct {
	ID        string    `json:"id"`
	Reason    string    `json:"reason"`
	Unread    bool      `json:"unread"`
	UpdatedAt time.Time `json:"updated_at"`
	Subject   struct {
		Title string `json:"title"`
		URL   string `json:"url"`
		Type  string `json:"type"`
	} `json:"subject"`
	Repository struct {
		FullName string `json:"full_name"`
		HTMLURL  string `json:"html_url"`
	} `json:"repository"`
}

func (g *GitHub) fetch(ctx context.Context, client *http.Client) ([]domain.DigestEvent, error) {
	q := url.Values{}
	q.Set("participating", "true")
	q.Set("per_page", strconv.Itoa(g.maxResults))
	q.Set("since", g.now().Add(-g.window).UTC().Format(time.RFC3339))
	header := http.Header{}
	header.Set("Accept", "application/vnd.github+json")
	header.Set("X-GitHub-Api-Version", "2022-11-28")

	var items []githubNotification
	if err := getJSON(ctx, client, "github", "notifications", g.baseURL+"/notifications?"+q.Encode(), header, &items); err != nil {
		return nil, err
	}
	events := make([]domain.DigestEvent, 0, len(items))
	for _, n := range items {
		events = append(events, domain.DigestEvent{
			Source:    domain.SourceGitHub,
			ID:        n.ID,
			Subject:   strings.TrimSpace(n.Subject.Title),
			Timestamp: n.UpdatedAt.UTC(),
			Link:      githubHTMLURL(n.Subject.URL, n.Repository.HTMLURL),
			Meta: map[string]string{
				"repo":   n.Repository.FullName,
				"reason": n.Reason,
				"type":   n.Subject.Type,
			},
		})
		if len(events) >= g.maxResults {
			break
		}
	}
	return events, nil
}

// githubHTMLURL rewrites an API subject url to the page a browser can open.
func githubHTMLURL(apiURL, repoURL string) string {
	if apiURL == "" {
		if repoURL != "" {
			return repoURL
		}
		return githubNotifications
	}
	u := strings.Replace(apiURL, "https://api.github.com/repos/", "https://github.com/", 1)
	u = strings.Replace(u, "/pulls/", "/pull/", 1)
	return u
}

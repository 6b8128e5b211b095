package provider

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"brevpulse/internal/domain"
)

const (
	defaultGmailBaseURL = "https://gmail.googleapis.com"
	gmailInboxURL       = "https://mail.google.com/mail/u/0/#inbox"
	gmailDetailWorkers  = 5
)

// Gmail fetches recent unread mail.
type Gmail struct {
	tokens     *TokenSource
	baseURL    string
	window     time.Duration
	maxResults int
	logger     zerolog.Logger
}

// NewGmail creates the Gmail fetcher. An empty baseURL uses the public API.
func NewGmail(tokens *TokenSource, baseURL string, window time.Duration, maxResults int, logger zerolog.Logger) *Gmail {
	if baseURL == "" {
		baseURL = defaultGmailBaseURL
	}
	if window <= 0 {
		window = 48 * time.Hour
	}
	if maxResults <= 0 {
		maxResults = 50
	}
	return &Gmail{tokens: tokens, baseURL: strings.TrimRight(baseURL, "/"), window: window, maxResults: maxResults, logger: logger}
}

func (g *Gmail) Source() domain.Source { return domain.SourceGmail }

func (g *Gmail) Fetch(ctx context.Context, userID int64) Result {
	return fetchWith(ctx, g.tokens, domain.SourceGmail, userID, g.logger, g.fetch)
}

type gmailList struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
}

type gmailMessage struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	Snippet      string   `json:"snippet"`
	LabelIDs     []string `json:"labelIds"`
	InternalDate string   `json:"internalDate"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (g *Gmail) query() string {
	days := int(math.Ceil(g.window.Hours() / 24))
	if days < 1 {
		days = 1
	}
	return fmt.Sprintf("is:unread newer_than:%dd", days)
}

func (g *Gmail) fetch(ctx context.Context, client *http.Client) ([]domain.DigestEvent, error) {
	q := url.Values{}
	q.Set("q", g.query())
	q.Set("maxResults", strconv.Itoa(g.maxResults))
	var list gmailList
	if err := getJSON(ctx, client, "gmail", "list_messages", g.baseURL+"/gmail/v1/users/me/messages?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}
	if len(list.Messages) > g.maxResults {
		list.Messages = list.Messages[:g.maxResults]
	}

	messages := make([]gmailMessage, len(list.Messages))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(gmailDetailWorkers)
	for i, ref := range list.Messages {
		i, ref := i, ref
		eg.Go(func() error {
			dq := url.Values{}
			dq.Set("format", "metadata")
			dq.Add("metadataHeaders", "Subject")
			dq.Add("metadataHeaders", "From")
			dq.Add("metadataHeaders", "Date")
			endpoint := g.baseURL + "/gmail/v1/users/me/messages/" + url.PathEscape(ref.ID) + "?" + dq.Encode()
			return getJSON(egCtx, client, "gmail", "get_message", endpoint, nil, &messages[i])
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	events := make([]domain.DigestEvent, 0, len(messages))
	for _, m := range messages {
		events = append(events, gmailEvent(m))
	}
	return events, nil
}

func gmailEvent(m gmailMessage) domain.DigestEvent {
	from := m.header("From")
	sender := from
	name := from
	if addr, err := mail.ParseAddress(from); err == nil {
		sender = strings.ToLower(addr.Address)
		if addr.Name != "" {
			name = addr.Name
		} else {
			name = addr.Address
		}
	}
	ts := time.Time{}
	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil {
		ts = time.UnixMilli(ms).UTC()
	} else if parsed, err := mail.ParseDate(m.header("Date")); err == nil {
		ts = parsed.UTC()
	}
	subject := strings.TrimSpace(m.header("Subject"))
	if subject == "" {
		subject = "(no subject)"
	}
	return domain.DigestEvent{
		Source:       domain.SourceGmail,
		ID:           m.ID,
		Subject:      subject,
		Summary:      strings.TrimSpace(m.Snippet),
		Participants: []string{name},
		Timestamp:    ts,
		Link:         gmailInboxURL + "/" + m.ID,
		Meta: map[string]string{
			"sender":    sender,
			"from_name": name,
			"thread_id": m.ThreadID,
			"labels":    strings.Join(m.LabelIDs, ","),
		},
	}
}

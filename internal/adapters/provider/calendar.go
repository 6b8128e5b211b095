package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
)

const defaultCalendarBaseURL = "https://www.googleapis.com"

// Calendar fetches upcoming events of the primary calendar.
type Calendar struct {
	tokens     *TokenSource
	baseURL    string
	window     time.Duration
	maxResults int
	now        func() time.Time
	logger     zerolog.Logger
}

// NewCalendar creates the Calendar fetcher.
func NewCalendar(tokens *TokenSource, baseURL string, window time.Duration, maxResults int, logger zerolog.Logger) *Calendar {
	if baseURL == "" {
		baseURL = defaultCalendarBaseURL
	}
	if window <= 0 {
		window = 14 * 24 * time.Hour
	}
	if maxResults <= 0 {
		maxResults = 50
	}
	return &Calendar{tokens: tokens, baseURL: strings.TrimRight(baseURL, "/"), window: window, maxResults: maxResults, now: time.Now, logger: logger}
}

func (c *Calendar) Source() domain.Source { return domain.SourceCalendar }

func (c *Calendar) Fetch(ctx context.Context, userID int64) Result {
	return fetchWith(ctx, c.tokens, domain.SourceCalendar, userID, c.logger, c.fetch)
}

type calendarTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
	TimeZone string `json:"timeZone"`
}

func (t calendarTime) parse() (time.Time, bool) {
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		return ts, err == nil
	}
	if t.Date != "" {
		loc := time.UTC
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		ts, err := time.ParseInLocation("2006-01-02", t.Date, loc)
		return ts, err == nil
	}
	return time.Time{}, false
}

type calendarEvents struct {
	TimeZone string `json:"timeZone"`
	Items    []struct {
		ID               string       `json:"id"`
		Status           string       `json:"status"`
		Summary          string       `json:"summary"`
		Description      string       `json:"description"`
		Location         string       `json:"location"`
		HTMLLink         string       `json:"htmlLink"`
		RecurringEventID string       `json:"recurringEventId"`
		Start            calendarTime `json:"start"`
		Organizer        struct {
			Email string `json:"email"`
		} `json:"organizer"`
		Attendees []struct {
			Email          string `json:"email"`
			Self           bool   `json:"self"`
			ResponseStatus string `json:"responseStatus"`
		} `json:"attendees"`
	} `json:"items"`
}

func (c *Calendar) fetch(ctx context.Context, client *http.Client) ([]domain.DigestEvent, error) {
	now := c.now().UTC()
	q := url.Values{}
	q.Set("timeMin", now.Format(time.RFC3339))
	q.Set("timeMax", now.Add(c.window).Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(c.maxResults))
	var resp calendarEvents
	if err := getJSON(ctx, client, "calendar", "list_events", c.baseURL+"/calendar/v3/calendars/primary/events?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	events := make([]domain.DigestEvent, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item.Status == "cancelled" {
			continue
		}
		start, ok := item.Start.parse()
		if !ok {
			continue
		}
		participants := make([]string, 0, len(item.Attendees))
		response := ""
		for _, a := range item.Attendees {
			if a.Self {
				response = a.ResponseStatus
				continue
			}
			participants = append(participants, a.Email)
		}
		link := item.HTMLLink
		if link == "" {
			link = calendarBaseURL
		}
		tz := resp.TimeZone
		if tz == "" {
			tz = "UTC"
		}
		events = append(events, domain.DigestEvent{
			Source:       domain.SourceCalendar,
			ID:           item.ID,
			Subject:      strings.TrimSpace(item.Summary),
			Summary:      strings.TrimSpace(item.Description),
			Participants: participants,
			Timestamp:    start.UTC(),
			Link:         link,
			Meta: map[string]string{
				"recurring_event_id": item.RecurringEventID,
				"all_day":            strconv.FormatBool(item.Start.DateTime == ""),
				"location":           item.Location,
				"organizer":          item.Organizer.Email,
				"response":           response,
				"timezone":           tz,
			},
		})
		if len(events) >= c.maxResults {
			break
		}
	}
	return events, nil
}

const calendarBaseURL = "https://calendar.google.com/calendar/u/0/r"

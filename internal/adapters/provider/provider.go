package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

// Status tags the outcome of a fetch.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is what a fetcher returns. Failures are carried here, never as an error.
type Result struct {
	Status  Status
	Events  []domain.DigestEvent
	Message string
}

// OK reports whether the fetch succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Fetcher collects recent events of one provider for a user.
type Fetcher interface {
	Source() domain.Source
	Fetch(ctx context.Context, userID int64) Result
}

// Set is the ordered, closed set of configured fetchers.
type Set []Fetcher

// NewSet builds a set ordered by domain.AllSources. Later duplicates of a source are dropped.
func NewSet(fetchers ...Fetcher) Set {
	bySource := make(map[domain.Source]Fetcher, len(fetchers))
	for _, f := range fetchers {
		if f == nil {
			continue
		}
		if _, ok := bySource[f.Source()]; !ok {
			bySource[f.Source()] = f
		}
	}
	set := make(Set, 0, len(bySource))
	for _, s := range domain.AllSources {
		if f, ok := bySource[s]; ok {
			set = append(set, f)
		}
	}
	return set
}

// Sources lists the sources of the set in order.
func (s Set) Sources() []domain.Source {
	out := make([]domain.Source, 0, len(s))
	for _, f := range s {
		out = append(out, f.Source())
	}
	return out
}

// HTTPStatusError is returned for non-2xx provider responses.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func isStatus(err error, code int) bool {
	var se *HTTPStatusError
	return errors.As(err, &se) && se.Code == code
}

// fetchWith resolves the user's client and turns every outcome into a Result.
func fetchWith(ctx context.Context, tokens *TokenSource, source domain.Source, userID int64, logger zerolog.Logger,
	fn func(ctx context.Context, client *http.Client) ([]domain.DigestEvent, error)) Result {
	client, err := tokens.Client(ctx, userID, source)
	switch {
	case errors.Is(err, ErrNotConnected):
		return Result{Status: StatusSuccess, Events: []domain.DigestEvent{}, Message: "not connected"}
	case errors.Is(err, domain.ErrNeedsReauth):
		metrics.ObserveProviderFetch(string(source), false)
		return Result{Status: StatusError, Events: []domain.DigestEvent{}, Message: "reauthorization required"}
	case err != nil:
		metrics.ObserveProviderFetch(string(source), false)
		logger.Warn().Err(err).Int64("user_id", userID).Str("provider", string(source)).Msg("provider: credential unavailable")
		return Result{Status: StatusError, Events: []domain.DigestEvent{}, Message: err.Error()}
	}

	events, err := fn(ctx, client)
	if err != nil {
		metrics.ObserveProviderFetch(string(source), false)
		logger.Warn().Err(err).Int64("user_id", userID).Str("provider", string(source)).Msg("provider: fetch failed")
		return Result{Status: StatusError, Events: []domain.DigestEvent{}, Message: err.Error()}
	}
	metrics.ObserveProviderFetch(string(source), true)
	if events == nil {
		events = []domain.DigestEvent{}
	}
	return Result{Status: StatusSuccess, Events: events}
}

// getJSON performs a GET and decodes a JSON body into out.
func getJSON(ctx context.Context, client *http.Client, component, operation, endpoint string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest(component, operation, component, start, err)
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err = &HTTPStatusError{Code: resp.StatusCode, Body: string(body)}
		metrics.ObserveNetworkRequest(component, operation, component, start, err)
		return fmt.Errorf("%s: %w", operation, err)
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	metrics.ObserveNetworkRequest(component, operation, component, start, err)
	if err != nil {
		return fmt.Errorf("%s: decode: %w", operation, err)
	}
	return nil
}

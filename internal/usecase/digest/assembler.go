package digest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"brevpulse/internal/adapters/provider"
	"brevpulse/internal/domain"
)

// Assembler fans out to the providers a user may and does use and merges their events.
type Assembler struct {
	fetchers provider.Set
	tokens   domain.TokenRepo
	logger   zerolog.Logger
}

// NewAssembler creates an assembler over a closed provider set.
func NewAssembler(fetchers provider.Set, tokens domain.TokenRepo, logger zerolog.Logger) *Assembler {
	return &Assembler{fetchers: fetchers, tokens: tokens, logger: logger.With().Str("component", "assembler").Logger()}
}

// Assemble returns the events of every reachable provider in provider order.
// Providers outside the plan are never called. A failing provider only reduces coverage.
func (a *Assembler) Assemble(ctx context.Context, user domain.User) []domain.DigestEvent {
	active := a.activeFetchers(ctx, user)
	if len(active) == 0 {
		return []domain.DigestEvent{}
	}

	results := make([]provider.Result, len(active))
	var wg sync.WaitGroup
	for i, f := range active {
		wg.Add(1)
		go func(i int, f provider.Fetcher) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = provider.Result{Status: provider.StatusError, Message: fmt.Sprintf("panic: %v", r)}
				}
			}()
			results[i] = f.Fetch(ctx, user.ID)
		}(i, f)
	}
	wg.Wait()

	events := make([]domain.DigestEvent, 0)
	failed := 0
	for i, res := range results {
		if !res.OK() {
			failed++
			a.logger.Warn().
				Int64("user_id", user.ID).
				Str("provider", string(active[i].Source())).
				Str("reason", res.Message).
				Msg("assembler: provider skipped")
			continue
		}
		events = append(events, res.Events...)
	}
	a.logger.Debug().
		Int64("user_id", user.ID).
		Int("providers", len(active)).
		Int("failed", failed).
		Int("events", len(events)).
		Msg("assembler: collected")
	return events
}

// activeFetchers applies the plan gate and drops providers the user never connected or disabled.
// When the token list cannot be read the plan gate alone decides; fetchers re-check credentials.
func (a *Assembler) activeFetchers(ctx context.Context, user domain.User) []provider.Fetcher {
	limits := domain.LimitsForPlan(user.Plan)

	var connected map[domain.Source]bool
	if a.tokens != nil {
		tokens, err := a.tokens.ListTokens(ctx, user.ID)
		if err != nil {
			a.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("assembler: list tokens failed")
		} else {
			connected = make(map[domain.Source]bool, len(tokens))
			for _, t := range tokens {
				if !t.Disabled {
					connected[t.Source] = true
				}
			}
		}
	}

	active := make([]provider.Fetcher, 0, len(a.fetchers))
	for _, f := range a.fetchers {
		if !limits.Allows(f.Source()) {
			continue
		}
		if connected != nil && !connected[f.Source()] {
			continue
		}
		active = append(active, f)
	}
	return active
}

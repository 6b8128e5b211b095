package digest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"brevpulse/internal/adapters/ranker"
	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

// Polisher rewrites item prose. It must not be trusted to respect limits.
type Polisher interface {
	Polish(ctx context.Context, items []domain.DigestItem) ([]domain.DigestItem, error)
}

// Service builds digests.
type Service struct {
	assembler *Assembler
	engine    *ranker.Engine
	polisher  Polisher
	logger    zerolog.Logger
}

// NewService creates the digest service. polisher may be nil.
func NewService(assembler *Assembler, engine *ranker.Engine, polisher Polisher, logger zerolog.Logger) *Service {
	return &Service{
		assembler: assembler,
		engine:    engine,
		polisher:  polisher,
		logger:    logger.With().Str("component", "digest").Logger(),
	}
}

// Generate assembles, ranks and optionally polishes a digest for user.
// It does not fail: with no reachable data the payload is empty.
func (s *Service) Generate(ctx context.Context, user domain.User, period domain.Period) domain.DigestPayload {
	start := time.Now()
	events := s.assembler.Assemble(ctx, user)
	payload := s.engine.Build(events, user.Plan, period)

	if s.polisher != nil && !payload.Empty() {
		polished, err := s.polisher.Polish(ctx, payload.Items)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", user.ID).Msg("digest: polish failed, keeping rule-based prose")
		} else {
			items := s.engine.Apply(polished, s.engine.Limits(payload.Plan))
			payload.Items = items
			payload.Summary = domain.NewDigestSummary(items)
		}
	}

	metrics.DigestBuildSeconds.Observe(time.Since(start).Seconds())
	for _, item := range payload.Items {
		metrics.DigestItemsTotal.WithLabelValues(string(item.Priority), string(payload.Plan)).Inc()
	}
	s.logger.Info().
		Int64("user_id", user.ID).
		Str("plan", string(payload.Plan)).
		Int("events", len(events)).
		Int("items", len(payload.Items)).
		Msg("digest: generated")
	return payload
}

package domain

import (
	"context"
	"time"
)

// BusinessMetric is a product event stored for later analysis.
type BusinessMetric struct {
	Event      string
	UserID     *int64
	Metadata   map[string]any
	OccurredAt time.Time
}

const (
	// BusinessMetricEventDigestRequested marks an on-demand digest request.
	BusinessMetricEventDigestRequested = "digest_requested"
	// BusinessMetricEventDigestDelivered marks a digest accepted by the mail transport.
	BusinessMetricEventDigestDelivered = "digest_delivered"
	// BusinessMetricEventDigestSkipped marks a digest that was built empty and not sent.
	BusinessMetricEventDigestSkipped = "digest_skipped"
	// BusinessMetricEventPlanChanged marks a plan upgrade or downgrade.
	BusinessMetricEventPlanChanged = "plan_changed"
)

// BusinessMetricRepo stores product events.
type BusinessMetricRepo interface {
	RecordBusinessMetric(ctx context.Context, metric BusinessMetric) error
}

package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

// Generator builds a digest for a user.
type Generator interface {
	Generate(ctx context.Context, user domain.User, period domain.Period) domain.DigestPayload
}

// Archive persists delivered digests.
type Archive interface {
	Save(ctx context.Context, userID int64, payload domain.DigestPayload, channels []domain.DeliveryChannel) (domain.StoredDigest, error)
}

// Renderer turns digests and verification tokens into email.
type Renderer interface {
	RenderDigest(user domain.User, payload domain.DigestPayload) (subject, html string, err error)
	RenderVerification(name, token string) (subject, html string, err error)
}

// ExpirationChecker downgrades users whose paid period ran out.
type ExpirationChecker interface {
	CheckExpiration(ctx context.Context, subscriptionID int64) error
}

// Config tunes the worker.
type Config struct {
	// SendEmptyFree sends "nothing new" digests to free users too.
	SendEmptyFree bool
	// DigestsURL is linked from the in-app notification.
	DigestsURL string
}

// Worker executes queued jobs.
type Worker struct {
	queue     domain.JobConsumer
	users     domain.UserRepo
	digests   Generator
	archive   Archive
	render    Renderer
	mailer    domain.Mailer
	notifier  domain.NotificationSink
	analytics domain.BusinessMetricRepo
	expiry    ExpirationChecker
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// Deps groups the collaborators of a Worker. Notifier and Analytics may be nil.
type Deps struct {
	Queue     domain.JobConsumer
	Users     domain.UserRepo
	Digests   Generator
	Archive   Archive
	Render    Renderer
	Mailer    domain.Mailer
	Notifier  domain.NotificationSink
	Analytics domain.BusinessMetricRepo
	Expiry    ExpirationChecker
}

// NewWorker creates a worker.
func NewWorker(deps Deps, cfg Config, logger zerolog.Logger) *Worker {
	return &Worker{
		queue:     deps.Queue,
		users:     deps.Users,
		digests:   deps.Digests,
		archive:   deps.Archive,
		render:    deps.Render,
		mailer:    deps.Mailer,
		notifier:  deps.Notifier,
		analytics: deps.Analytics,
		expiry:    deps.Expiry,
		cfg:       cfg,
		log:       logger.With().Str("component", "worker").Logger(),
		now:       time.Now,
	}
}

// Run processes jobs until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("worker: receive failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job domain.Job) {
	jobLog := w.log.With().
		Str("job_id", job.ID).
		Str("job_name", string(job.Name)).
		Int("attempt", job.Attempt).
		Logger()

	err := w.Handle(ctx, job)
	if err == nil {
		if cerr := w.queue.Complete(ctx, job); cerr != nil {
			jobLog.Error().Err(cerr).Msg("worker: complete failed")
		}
		metrics.ObserveJob(string(job.Name), "completed")
		return
	}

	retry, ferr := w.queue.Fail(ctx, job, err)
	if ferr != nil {
		jobLog.Error().Err(ferr).Msg("worker: fail bookkeeping failed")
	}
	if retry {
		jobLog.Warn().Err(err).Msg("worker: job failed, will retry")
		metrics.ObserveJob(string(job.Name), "retry")
		return
	}
	jobLog.Error().Err(err).Msg("worker: job failed permanently")
	metrics.ObserveJob(string(job.Name), "failed")
}

// Handle runs a single job. A returned error asks the queue to retry.
func (w *Worker) Handle(ctx context.Context, job domain.Job) error {
	switch job.Name {
	case domain.JobSendDigest:
		var payload domain.SendDigestPayload
		if err := job.Decode(&payload); err != nil {
			return fmt.Errorf("decode send-digest: %w", err)
		}
		return w.sendDigest(ctx, job, payload)
	case domain.JobSendVerification:
		var payload domain.SendVerificationPayload
		if err := job.Decode(&payload); err != nil {
			return fmt.Errorf("decode send-verification: %w", err)
		}
		return w.sendVerification(ctx, payload)
	case domain.JobCheckExpiration:
		var payload domain.CheckExpirationPayload
		if err := job.Decode(&payload); err != nil {
			return fmt.Errorf("decode check-expiration: %w", err)
		}
		return w.expiry.CheckExpiration(ctx, payload.SubscriptionID)
	}
	return fmt.Errorf("unknown job %q", job.Name)
}

func (w *Worker) sendDigest(ctx context.Context, job domain.Job, payload domain.SendDigestPayload) error {
	jobLog := w.log.With().Str("job_id", job.ID).Int64("user_id", payload.UserID).Logger()

	user, err := w.users.GetUser(ctx, payload.UserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		jobLog.Warn().Msg("worker: user not found, dropping digest")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !user.EmailVerified || !user.IsActive {
		jobLog.Info().Msg("worker: user not verified, skipping digest")
		return nil
	}

	period := payload.Period
	if period == "" {
		period = domain.PeriodDaily
	}
	digest := w.digests.Generate(ctx, user, period)
	if digest.Empty() && user.Plan == domain.PlanFree && !w.cfg.SendEmptyFree {
		jobLog.Info().Msg("worker: nothing new for free user, skipping send")
		w.record(ctx, domain.BusinessMetricEventDigestSkipped, user.ID, map[string]any{
			"job_id": job.ID,
			"cause":  string(payload.Cause),
		})
		return nil
	}

	subject, html, err := w.render.RenderDigest(user, digest)
	if err != nil {
		return fmt.Errorf("render digest: %w", err)
	}
	result := w.mailer.SendMail(ctx, user.Email, subject, html)
	if !result.Success {
		return fmt.Errorf("send digest: %s", result.Message)
	}

	// The digest only exists once the transport accepted it.
	if _, err := w.archive.Save(ctx, user.ID, digest, []domain.DeliveryChannel{domain.ChannelEmail}); err != nil {
		jobLog.Error().Err(err).Msg("worker: digest sent but not saved")
	}
	w.notify(ctx, user, digest)
	w.record(ctx, domain.BusinessMetricEventDigestDelivered, user.ID, map[string]any{
		"job_id":       job.ID,
		"cause":        string(payload.Cause),
		"attempt":      job.Attempt,
		"items_count":  len(digest.Items),
		"message_id":   result.MessageID,
		"delivered_at": w.now().UTC(),
	})
	jobLog.Info().Int("items", len(digest.Items)).Str("message_id", result.MessageID).Msg("worker: digest delivered")
	return nil
}

func (w *Worker) sendVerification(ctx context.Context, payload domain.SendVerificationPayload) error {
	if payload.Email == "" || payload.Token == "" {
		w.log.Warn().Msg("worker: verification job without email or token")
		return nil
	}
	subject, html, err := w.render.RenderVerification(payload.Name, payload.Token)
	if err != nil {
		return fmt.Errorf("render verification: %w", err)
	}
	if result := w.mailer.SendMail(ctx, payload.Email, subject, html); !result.Success {
		return fmt.Errorf("send verification: %s", result.Message)
	}
	return nil
}

func (w *Worker) notify(ctx context.Context, user domain.User, digest domain.DigestPayload) {
	if w.notifier == nil {
		return
	}
	n := domain.Notification{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Type:      domain.NotificationDigest,
		Title:     fmt.Sprintf("Your %s digest is ready", digest.Period),
		Message:   notificationMessage(digest),
		Link:      w.cfg.DigestsURL,
		CreatedAt: w.now().UTC(),
	}
	if err := w.notifier.Notify(ctx, n); err != nil {
		w.log.Warn().Err(err).Int64("user_id", user.ID).Msg("worker: notification not published")
	}
}

func notificationMessage(digest domain.DigestPayload) string {
	if digest.Empty() {
		return "Nothing new since your last digest."
	}
	labels := make([]string, 0, len(digest.Summary.Integrations))
	for _, s := range digest.Summary.Integrations {
		labels = append(labels, s.Label())
	}
	noun := "updates"
	if digest.Summary.TotalItems == 1 {
		noun = "update"
	}
	return fmt.Sprintf("%d %s from %s", digest.Summary.TotalItems, noun, strings.Join(labels, ", "))
}

func (w *Worker) record(ctx context.Context, event string, userID int64, meta map[string]any) {
	if w.analytics == nil {
		return
	}
	id := userID
	err := w.analytics.RecordBusinessMetric(ctx, domain.BusinessMetric{
		Event:      event,
		UserID:     &id,
		Metadata:   meta,
		OccurredAt: w.now().UTC(),
	})
	if err != nil {
		w.log.Error().Err(err).Str("event", event).Msg("worker: business metric not saved")
	}
}

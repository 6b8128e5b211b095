package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
)

var (
	// ErrInvalidTimezone is returned for unknown IANA zone names.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidDeliveryTime is returned when the delivery time is not HH:MM.
	ErrInvalidDeliveryTime = errors.New("invalid delivery time")
)

const (
	pageSize        = 200
	freeDigestLock  = 23 * time.Hour
	defaultTimezone = "UTC"
)

// Locker runs fn at most once per key within ttl.
type Locker interface {
	Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Service keeps one repeating digest job per pro user in line with their preferences.
type Service struct {
	users  domain.UserRepo
	queue  domain.JobQueue
	locker Locker
	logger zerolog.Logger
}

// NewService creates the scheduler. locker may be nil in which case free fan-out is not deduplicated.
func NewService(users domain.UserRepo, queue domain.JobQueue, locker Locker, logger zerolog.Logger) *Service {
	return &Service{users: users, queue: queue, locker: locker, logger: logger.With().Str("component", "scheduler").Logger()}
}

// JobID is the repeating job id of a user's scheduled digest.
func JobID(userID int64) string {
	return fmt.Sprintf("pro-digest-%d", userID)
}

// Reschedule installs, replaces or removes the user's repeating digest job from stored state.
// Calling it again with unchanged state leaves the same single job.
func (s *Service) Reschedule(ctx context.Context, userID int64) error {
	user, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return s.unschedule(ctx, userID)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	repeat, ok := RepeatFor(user)
	if !ok {
		return s.unschedule(ctx, userID)
	}
	payload := domain.SendDigestPayload{UserID: user.ID, Period: domain.PeriodDaily, Cause: domain.DigestCauseScheduled}
	if err := s.queue.UpsertRepeating(ctx, JobID(user.ID), domain.JobSendDigest, payload, repeat); err != nil {
		return fmt.Errorf("upsert repeating job: %w", err)
	}
	s.logger.Info().
		Int64("user_id", user.ID).
		Str("pattern", repeat.Pattern).
		Str("tz", repeat.Timezone).
		Msg("scheduler: digest scheduled")
	return nil
}

func (s *Service) unschedule(ctx context.Context, userID int64) error {
	if err := s.queue.RemoveRepeating(ctx, JobID(userID)); err != nil {
		return fmt.Errorf("remove repeating job: %w", err)
	}
	s.logger.Debug().Int64("user_id", userID).Msg("scheduler: digest unscheduled")
	return nil
}

// RepeatFor returns the repeat options of an active pro user with a delivery time.
func RepeatFor(user domain.User) (domain.RepeatOptions, bool) {
	if !user.IsActive || domain.ParsePlan(string(user.Plan)) != domain.PlanPro {
		return domain.RepeatOptions{}, false
	}
	hour, minute, err := ParseDeliveryTime(user.Preferences.DeliveryTime)
	if err != nil {
		return domain.RepeatOptions{}, false
	}
	tz, err := NormalizeTimezone(user.Preferences.Timezone)
	if err != nil {
		tz = defaultTimezone
	}
	return domain.RepeatOptions{Pattern: fmt.Sprintf("%d %d * * *", minute, hour), Timezone: tz}, true
}

// UpdatePreferences validates and stores the delivery settings, then reschedules.
// An empty deliveryTime turns scheduled delivery off. An empty timezone means UTC.
func (s *Service) UpdatePreferences(ctx context.Context, userID int64, deliveryTime, timezone string) (domain.Preferences, error) {
	prefs := domain.Preferences{Timezone: defaultTimezone}
	if strings.TrimSpace(deliveryTime) != "" {
		hour, minute, err := ParseDeliveryTime(deliveryTime)
		if err != nil {
			return domain.Preferences{}, err
		}
		prefs.DeliveryTime = fmt.Sprintf("%02d:%02d", hour, minute)
	}
	if strings.TrimSpace(timezone) != "" {
		tz, err := NormalizeTimezone(timezone)
		if err != nil {
			return domain.Preferences{}, err
		}
		prefs.Timezone = tz
	}
	if err := s.users.UpdatePreferences(ctx, userID, prefs); err != nil {
		return domain.Preferences{}, fmt.Errorf("update preferences: %w", err)
	}
	if err := s.Reschedule(ctx, userID); err != nil {
		return domain.Preferences{}, err
	}
	return prefs, nil
}

// RebuildAll reconciles every active pro user and returns how many succeeded.
// Individual failures are logged and skipped.
func (s *Service) RebuildAll(ctx context.Context) (int, error) {
	reconciled := 0
	var afterID int64
	for {
		users, err := s.users.ListUsersByPlan(ctx, domain.PlanPro, afterID, pageSize)
		if err != nil {
			return reconciled, fmt.Errorf("list pro users: %w", err)
		}
		for _, user := range users {
			afterID = user.ID
			if err := s.Reschedule(ctx, user.ID); err != nil {
				s.logger.Error().Err(err).Int64("user_id", user.ID).Msg("scheduler: rebuild failed for user")
				continue
			}
			reconciled++
		}
		if len(users) < pageSize {
			break
		}
	}
	s.logger.Info().Int("users", reconciled).Msg("scheduler: rebuild finished")
	return reconciled, nil
}

// EnqueueFreeDigests queues one digest per verified free user for the occurrence at.
// Several scheduler replicas may fire together; only the first run per day does the work.
func (s *Service) EnqueueFreeDigests(ctx context.Context, at time.Time) (int, error) {
	day := at.UTC().Format("20060102")
	enqueued := 0
	run := func() error {
		var afterID int64
		for {
			users, err := s.users.ListUsersByPlan(ctx, domain.PlanFree, afterID, pageSize)
			if err != nil {
				return fmt.Errorf("list free users: %w", err)
			}
			for _, user := range users {
				afterID = user.ID
				if !user.EmailVerified {
					continue
				}
				payload := domain.SendDigestPayload{UserID: user.ID, Period: domain.PeriodDaily, Cause: domain.DigestCauseScheduled}
				opts := domain.EnqueueOptions{JobID: fmt.Sprintf("free-digest-%d-%s", user.ID, day)}
				if _, err := s.queue.Enqueue(ctx, domain.JobSendDigest, payload, opts); err != nil {
					s.logger.Error().Err(err).Int64("user_id", user.ID).Msg("scheduler: enqueue free digest failed")
					continue
				}
				enqueued++
			}
			if len(users) < pageSize {
				return nil
			}
		}
	}

	var err error
	if s.locker != nil {
		err = s.locker.Once(ctx, "scheduler:free-digests:"+day, freeDigestLock, run)
	} else {
		err = run()
	}
	if err != nil {
		return enqueued, err
	}
	s.logger.Info().Int("users", enqueued).Str("day", day).Msg("scheduler: free digests enqueued")
	return enqueued, nil
}

// StartFreeCron runs EnqueueFreeDigests on spec in tz until ctx is done.
func (s *Service) StartFreeCron(ctx context.Context, spec, tz string) (*cron.Cron, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimezone, tz)
	}
	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.EnqueueFreeDigests(ctx, time.Now()); err != nil {
			s.logger.Error().Err(err).Msg("scheduler: free digest run failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("parse free digest cron %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return c, nil
}

// ParseDeliveryTime parses a 24h HH:MM wall clock time.
func ParseDeliveryTime(raw string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 || len(parts[1]) != 2 || len(parts[0]) == 0 || len(parts[0]) > 2 {
		return 0, 0, ErrInvalidDeliveryTime
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, ErrInvalidDeliveryTime
	}
	return hour, minute, nil
}

// NormalizeTimezone returns the canonical IANA name, fixing case and spaces.
func NormalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil && candidate != "Local" {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	if lower == "utc" {
		return defaultTimezone, nil
	}
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil && normalized != "Local" {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brevpulse/internal/domain"
)

func setupTestQueue(t *testing.T, now time.Time) (*RedisJobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	q := NewRedisJobQueue(client, Options{Name: "test", Consumer: "w1", MaxAttempts: 3, Backoff: 5 * time.Second})
	q.now = func() time.Time { return now }
	return q, mr
}

func TestEnqueueReceiveComplete(t *testing.T) {
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	q, mr := setupTestQueue(t, now)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, domain.JobSendDigest, domain.SendDigestPayload{UserID: 7}, domain.EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobSendDigest, job.Name)
	assert.Equal(t, 1, job.Attempt)

	var payload domain.SendDigestPayload
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, int64(7), payload.UserID)

	require.NoError(t, q.Complete(ctx, job))
	assert.False(t, mr.Exists("queue:test:active:w1"))
	assert.False(t, mr.Exists("queue:test:job:"+id))
}

func TestEnqueueDropsDuplicateJobID(t *testing.T) {
	q, mr := setupTestQueue(t, time.Now())
	ctx := context.Background()
	opts := domain.EnqueueOptions{JobID: "check-expiration-5"}

	_, err := q.Enqueue(ctx, domain.JobCheckExpiration, domain.CheckExpirationPayload{SubscriptionID: 5}, opts)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.JobCheckExpiration, domain.CheckExpirationPayload{SubscriptionID: 5}, opts)
	require.NoError(t, err)

	list, err := mr.List("queue:test:wait")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDelayedEnqueueWaitsForPromote(t *testing.T) {
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	q, mr := setupTestQueue(t, now)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.JobCheckExpiration, domain.CheckExpirationPayload{SubscriptionID: 1},
		domain.EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)
	assert.False(t, mr.Exists("queue:test:wait"))

	n, err := q.Promote(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = q.Promote(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	list, err := mr.List("queue:test:wait")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFailRetriesWithExponentialBackoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	q, mr := setupTestQueue(t, now)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.JobSendDigest, domain.SendDigestPayload{UserID: 1}, domain.EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	retry, err := q.Fail(ctx, job, errors.New("smtp down"))
	require.NoError(t, err)
	assert.True(t, retry)

	score, err := mr.ZScore("queue:test:delayed", mustMember(t, mr, "queue:test:delayed"))
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(5*time.Second).UnixMilli()), score)

	_, err = q.Promote(ctx, now.Add(5*time.Second))
	require.NoError(t, err)
	job, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, "smtp down", job.LastError)
	assert.Equal(t, 10*time.Second, q.RetryDelay(job))

	retry, err = q.Fail(ctx, job, errors.New("smtp down"))
	require.NoError(t, err)
	assert.True(t, retry)
	_, err = q.Promote(ctx, now.Add(10*time.Second))
	require.NoError(t, err)

	job, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempt)
	retry, err = q.Fail(ctx, job, errors.New("smtp down"))
	require.NoError(t, err)
	assert.False(t, retry)

	failed, err := mr.List("queue:test:failed")
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.False(t, mr.Exists("queue:test:delayed"))
	assert.False(t, mr.Exists("queue:test:active:w1"))
}

func TestUpsertRepeatingReplacesByJobID(t *testing.T) {
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	q, _ := setupTestQueue(t, now)
	ctx := context.Background()
	payload := domain.SendDigestPayload{UserID: 42, Cause: domain.DigestCauseScheduled}

	require.NoError(t, q.UpsertRepeating(ctx, "pro-digest-42", domain.JobSendDigest, payload,
		domain.RepeatOptions{Pattern: "0 8 * * *", Timezone: "UTC"}))
	require.NoError(t, q.UpsertRepeating(ctx, "pro-digest-42", domain.JobSendDigest, payload,
		domain.RepeatOptions{Pattern: "30 9 * * *", Timezone: "America/New_York"}))

	count, err := q.RepeatingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	def, ok, err := q.Repeating(ctx, "pro-digest-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "30 9 * * *", def.Repeat.Pattern)
	assert.Equal(t, "America/New_York", def.Repeat.Timezone)
	// 09:30 in New York on Jan 1 is 14:30 UTC.
	assert.Equal(t, time.Date(2026, 1, 1, 14, 30, 0, 0, time.UTC), def.NextRun)

	require.NoError(t, q.RemoveRepeating(ctx, "pro-digest-42"))
	require.NoError(t, q.RemoveRepeating(ctx, "pro-digest-42"))
	_, ok, err = q.Repeating(ctx, "pro-digest-42")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromoteFiresRepeatingOncePerOccurrence(t *testing.T) {
	now := time.Date(2026, 1, 1, 7, 0, 0, 0, time.UTC)
	q, mr := setupTestQueue(t, now)
	ctx := context.Background()

	require.NoError(t, q.UpsertRepeating(ctx, "pro-digest-1", domain.JobSendDigest,
		domain.SendDigestPayload{UserID: 1}, domain.RepeatOptions{Pattern: "0 8 * * *"}))

	fireAt := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	n, err := q.Promote(ctx, fireAt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.Promote(ctx, fireAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	job, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pro-digest-1", job.RepeatJobID)

	def, ok, err := q.Repeating(ctx, "pro-digest-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC), def.NextRun)
	assert.True(t, mr.Exists("queue:test:active:w1"))
}

func TestUpsertRepeatingRejectsBadOptions(t *testing.T) {
	q, _ := setupTestQueue(t, time.Now())
	ctx := context.Background()

	err := q.UpsertRepeating(ctx, "x", domain.JobSendDigest, nil, domain.RepeatOptions{Pattern: "0 8 * * *", Timezone: "Mars/Base"})
	assert.ErrorIs(t, err, ErrInvalidRepeat)
	err = q.UpsertRepeating(ctx, "x", domain.JobSendDigest, nil, domain.RepeatOptions{Pattern: "not cron"})
	assert.ErrorIs(t, err, ErrInvalidRepeat)
}

func TestRecoverRequeuesActiveJobs(t *testing.T) {
	q, mr := setupTestQueue(t, time.Now())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.JobSendDigest, domain.SendDigestPayload{UserID: 3}, domain.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Receive(ctx)
	require.NoError(t, err)

	moved, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	list, err := mr.List("queue:test:wait")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReceiveStopsOnContextCancel(t *testing.T) {
	q, _ := setupTestQueue(t, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func mustMember(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	require.Len(t, members, 1)
	return members[0]
}

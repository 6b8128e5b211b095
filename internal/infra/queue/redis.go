package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 5 * time.Second
	failedKeep      = 1000
	promoteBatch    = 100
	jobKeyTTL       = 7 * 24 * time.Hour
)

// ErrInvalidRepeat is returned when a repeat pattern or timezone cannot be parsed.
var ErrInvalidRepeat = errors.New("queue: invalid repeat options")

var promoteDelayedScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// fires one occurrence of a repeating job if the definition is unchanged and due.
var fireRepeatScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[5] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[4])
return 1
`)

// Options configures a RedisJobQueue.
type Options struct {
	Name        string
	Consumer    string
	MaxAttempts int
	Backoff     time.Duration
}

// RedisJobQueue is a durable job queue on Redis with delayed retries and repeating jobs.
//
// Keys under queue:<name>:
//
//	wait            list of ready jobs
//	active:<cons>   jobs held by a consumer
//	delayed         zset of jobs by ready time (ms)
//	failed          list of jobs that exhausted their attempts
//	repeat          hash job id -> repeating definition
//	repeat:next     zset job id -> next fire time (ms)
//	job:<id>        presence marker used to drop duplicate job ids
type RedisJobQueue struct {
	client      *redis.Client
	name        string
	consumer    string
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time

	mu       sync.Mutex
	inflight map[string]string
}

var (
	_ domain.JobQueue    = (*RedisJobQueue)(nil)
	_ domain.JobConsumer = (*RedisJobQueue)(nil)
)

// NewRedisJobQueue creates a queue.
func NewRedisJobQueue(client *redis.Client, opts Options) *RedisJobQueue {
	if opts.Name == "" {
		opts.Name = "email-queue"
	}
	if opts.Consumer == "" {
		opts.Consumer = "default"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	return &RedisJobQueue{
		client:      client,
		name:        opts.Name,
		consumer:    opts.Consumer,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         time.Now,
		inflight:    make(map[string]string),
	}
}

func (q *RedisJobQueue) key(parts ...string) string {
	return "queue:" + q.name + ":" + strings.Join(parts, ":")
}

// Enqueue adds a job. A job whose id is still queued is not added twice.
func (q *RedisJobQueue) Enqueue(ctx context.Context, name domain.JobName, payload any, opts domain.EnqueueOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	job := domain.Job{
		ID:          opts.JobID,
		Name:        name,
		Payload:     raw,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  q.now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	if job.Backoff <= 0 {
		job.Backoff = q.backoff
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	start := time.Now()
	fresh, err := q.client.SetNX(ctx, q.key("job", job.ID), string(name), jobKeyTTL).Result()
	if err != nil {
		metrics.ObserveNetworkRequest("redis", "enqueue", q.name, start, err)
		return "", fmt.Errorf("reserve job id: %w", err)
	}
	if !fresh {
		metrics.ObserveNetworkRequest("redis", "enqueue", q.name, start, nil)
		return job.ID, nil
	}
	if opts.Delay > 0 {
		readyAt := q.now().Add(opts.Delay).UnixMilli()
		err = q.client.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: data}).Err()
	} else {
		err = q.client.LPush(ctx, q.key("wait"), data).Err()
	}
	metrics.ObserveNetworkRequest("redis", "enqueue", q.name, start, err)
	if err != nil {
		_ = q.client.Del(ctx, q.key("job", job.ID)).Err()
		return "", fmt.Errorf("push job: %w", err)
	}
	return job.ID, nil
}

// UpsertRepeating installs the repeating job or replaces the one with the same id.
func (q *RedisJobQueue) UpsertRepeating(ctx context.Context, jobID string, name domain.JobName, payload any, repeat domain.RepeatOptions) error {
	if jobID == "" {
		return fmt.Errorf("%w: empty job id", ErrInvalidRepeat)
	}
	schedule, err := ParseRepeat(repeat)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	def, err := json.Marshal(domain.RepeatingJob{JobID: jobID, Name: name, Payload: raw, Repeat: repeat})
	if err != nil {
		return fmt.Errorf("marshal repeat: %w", err)
	}
	next := schedule.Next(q.now())

	start := time.Now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key("repeat"), jobID, def)
		pipe.ZAdd(ctx, q.key("repeat", "next"), redis.Z{Score: float64(next.UnixMilli()), Member: jobID})
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "upsert_repeat", q.name, start, err)
	if err != nil {
		return fmt.Errorf("store repeat: %w", err)
	}
	return nil
}

// RemoveRepeating deletes a repeating job. Removing an unknown id is not an error.
func (q *RedisJobQueue) RemoveRepeating(ctx context.Context, jobID string) error {
	start := time.Now()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.key("repeat"), jobID)
		pipe.ZRem(ctx, q.key("repeat", "next"), jobID)
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "remove_repeat", q.name, start, err)
	return err
}

// Repeating returns the stored repeating job with its next fire time.
func (q *RedisJobQueue) Repeating(ctx context.Context, jobID string) (domain.RepeatingJob, bool, error) {
	raw, err := q.client.HGet(ctx, q.key("repeat"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.RepeatingJob{}, false, nil
	}
	if err != nil {
		return domain.RepeatingJob{}, false, err
	}
	var def domain.RepeatingJob
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return domain.RepeatingJob{}, false, fmt.Errorf("decode repeat: %w", err)
	}
	score, err := q.client.ZScore(ctx, q.key("repeat", "next"), jobID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.RepeatingJob{}, false, err
	}
	if err == nil {
		def.NextRun = time.UnixMilli(int64(score)).UTC()
	}
	return def, true, nil
}

// RepeatingCount returns the number of installed repeating jobs.
func (q *RedisJobQueue) RepeatingCount(ctx context.Context) (int64, error) {
	return q.client.HLen(ctx, q.key("repeat")).Result()
}

// Receive blocks until a job is available or ctx is done.
func (q *RedisJobQueue) Receive(ctx context.Context) (domain.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Job{}, err
		}
		raw, err := q.client.BLMove(ctx, q.key("wait"), q.key("active", q.consumer), "RIGHT", "LEFT", time.Second).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.Job{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.Job{}, err
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = q.client.LRem(ctx, q.key("active", q.consumer), 1, raw).Err()
			_ = q.client.LPush(ctx, q.key("failed"), raw).Err()
			return domain.Job{}, fmt.Errorf("decode job: %w", err)
		}
		job.Attempt++
		q.mu.Lock()
		q.inflight[job.ID] = raw
		q.mu.Unlock()
		return job, nil
	}
}

// Complete removes a finished job.
func (q *RedisJobQueue) Complete(ctx context.Context, job domain.Job) error {
	raw := q.release(job.ID)
	start := time.Now()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if raw != "" {
			pipe.LRem(ctx, q.key("active", q.consumer), 1, raw)
		}
		pipe.Del(ctx, q.key("job", job.ID))
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "complete", q.name, start, err)
	return err
}

// Fail schedules a retry after backoff*2^(attempt-1) or parks the job in the failed list.
func (q *RedisJobQueue) Fail(ctx context.Context, job domain.Job, cause error) (bool, error) {
	raw := q.release(job.ID)
	if cause != nil {
		job.LastError = cause.Error()
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	retry := job.Attempt < maxAttempts
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	start := time.Now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if raw != "" {
			pipe.LRem(ctx, q.key("active", q.consumer), 1, raw)
		}
		if retry {
			readyAt := q.now().Add(q.RetryDelay(job)).UnixMilli()
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(readyAt), Member: data})
			return nil
		}
		pipe.LPush(ctx, q.key("failed"), data)
		pipe.LTrim(ctx, q.key("failed"), 0, failedKeep-1)
		pipe.Del(ctx, q.key("job", job.ID))
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "fail", q.name, start, err)
	if err != nil {
		return false, err
	}
	return retry, nil
}

// RetryDelay returns the exponential backoff for the job's current attempt.
func (q *RedisJobQueue) RetryDelay(job domain.Job) time.Duration {
	backoff := job.Backoff
	if backoff <= 0 {
		backoff = q.backoff
	}
	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return backoff * time.Duration(1<<uint(attempt-1))
}

// Recover moves jobs left in this consumer's active list back to the wait list.
func (q *RedisJobQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.key("active", q.consumer), q.key("wait"), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Promote moves due delayed jobs and due repeating occurrences to the wait list.
func (q *RedisJobQueue) Promote(ctx context.Context, now time.Time) (int, error) {
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)
	start := time.Now()
	n, err := promoteDelayedScript.Run(ctx, q.client, []string{q.key("delayed"), q.key("wait")}, nowMs, promoteBatch).Int()
	metrics.ObserveNetworkRequest("redis", "promote_delayed", q.name, start, err)
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}

	due, err := q.client.ZRangeByScore(ctx, q.key("repeat", "next"), &redis.ZRangeBy{
		Min: "-inf", Max: nowMs, Count: promoteBatch,
	}).Result()
	if err != nil {
		return n, fmt.Errorf("list due repeats: %w", err)
	}
	for _, jobID := range due {
		fired, err := q.fireRepeat(ctx, jobID, now)
		if err != nil {
			return n, err
		}
		if fired {
			n++
		}
	}
	return n, nil
}

func (q *RedisJobQueue) fireRepeat(ctx context.Context, jobID string, now time.Time) (bool, error) {
	def, err := q.client.HGet(ctx, q.key("repeat"), jobID).Result()
	if errors.Is(err, redis.Nil) {
		_ = q.client.ZRem(ctx, q.key("repeat", "next"), jobID).Err()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var repeating domain.RepeatingJob
	if err := json.Unmarshal([]byte(def), &repeating); err != nil {
		return false, fmt.Errorf("decode repeat %s: %w", jobID, err)
	}
	schedule, err := ParseRepeat(repeating.Repeat)
	if err != nil {
		return false, err
	}
	job := domain.Job{
		ID:          uuid.NewString(),
		Name:        repeating.Name,
		Payload:     repeating.Payload,
		MaxAttempts: q.maxAttempts,
		Backoff:     q.backoff,
		RepeatJobID: jobID,
		EnqueuedAt:  now.UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}
	next := schedule.Next(now)
	start := time.Now()
	res, err := fireRepeatScript.Run(ctx, q.client,
		[]string{q.key("repeat", "next"), q.key("wait"), q.key("repeat")},
		jobID, now.UnixMilli(), next.UnixMilli(), data, def,
	).Int()
	metrics.ObserveNetworkRequest("redis", "fire_repeat", q.name, start, err)
	if err != nil {
		return false, fmt.Errorf("fire repeat %s: %w", jobID, err)
	}
	if res == 1 {
		_ = q.client.Set(ctx, q.key("job", job.ID), string(job.Name), jobKeyTTL).Err()
	}
	return res == 1, nil
}

// RunPromoter calls Promote every interval until ctx is done.
func (q *RedisJobQueue) RunPromoter(ctx context.Context, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Promote(ctx, q.now()); err != nil && onError != nil && ctx.Err() == nil {
				onError(err)
			}
		}
	}
}

func (q *RedisJobQueue) release(jobID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	raw := q.inflight[jobID]
	delete(q.inflight, jobID)
	return raw
}

// ParseRepeat compiles a five-field cron pattern evaluated in the repeat timezone.
func ParseRepeat(repeat domain.RepeatOptions) (cron.Schedule, error) {
	tz := strings.TrimSpace(repeat.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidRepeat, tz)
	}
	schedule, err := cron.ParseStandard("CRON_TZ=" + tz + " " + strings.TrimSpace(repeat.Pattern))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRepeat, err)
	}
	return schedule, nil
}

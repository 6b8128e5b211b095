package domain

import (
	"encoding/json"
	"time"
)

// JobName identifies the handler of a queued job.
type JobName string

const (
	JobSendDigest       JobName = "send-digest"
	JobSendVerification JobName = "send-verification"
	JobCheckExpiration  JobName = "check-expiration"
)

// DigestJobCause describes why a digest was requested.
type DigestJobCause string

const (
	// DigestCauseManual means the user asked for a digest.
	DigestCauseManual DigestJobCause = "manual"
	// DigestCauseScheduled means a repeating schedule fired.
	DigestCauseScheduled DigestJobCause = "scheduled"
)

// Job is a unit of work carried by the job queue.
type Job struct {
	ID          string          `json:"id"`
	Name        JobName         `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	RepeatJobID string          `json:"repeat_job_id,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// SendDigestPayload is the payload of a send-digest job.
type SendDigestPayload struct {
	UserID int64          `json:"user_id"`
	Period Period         `json:"period,omitempty"`
	Cause  DigestJobCause `json:"cause"`
}

// SendVerificationPayload is the payload of a send-verification job.
type SendVerificationPayload struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CheckExpirationPayload is the payload of a check-expiration job.
type CheckExpirationPayload struct {
	SubscriptionID int64 `json:"subscription_id"`
	UserID         int64 `json:"user_id"`
}

// RepeatOptions describes a repeating job.
type RepeatOptions struct {
	Pattern  string `json:"pattern"`
	Timezone string `json:"tz"`
}

// EnqueueOptions tunes a single enqueue call. Zero values use queue defaults.
type EnqueueOptions struct {
	JobID       string
	MaxAttempts int
	Backoff     time.Duration
	Delay       time.Duration
}

// RepeatingJob is the stored definition of a repeating job.
type RepeatingJob struct {
	JobID    string          `json:"job_id"`
	Name     JobName         `json:"name"`
	Payload  json.RawMessage `json:"payload"`
	Repeat   RepeatOptions   `json:"repeat"`
	NextRun  time.Time       `json:"next_run"`
	Attempts int             `json:"attempts,omitempty"`
}

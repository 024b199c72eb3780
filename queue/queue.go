// Package queue is a durable delayed job queue with deduplication and
// bounded retries, backed by Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = 30 * time.Second
	DefaultMaxBackoff  = time.Hour
)

// Job is one unit of work as stored in the queue.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`

	// RunAt is filled when listing pending jobs; it is not persisted in the body.
	RunAt time.Time `json:"-"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Type, err)
	}
	return nil
}

type EnqueueOptions struct {
	// Delay before the job becomes due.
	Delay time.Duration
	// DedupKey, when set, becomes the job id. A second enqueue with the same
	// key is ignored while the first is pending or executing.
	DedupKey string
	// MaxAttempts overrides the queue default.
	MaxAttempts int
}

// Handler processes one job. See Reschedule and Permanent for the
// control-flow errors it may return.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer schedules jobs. It reports false when a dedup key suppressed the job.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, opts EnqueueOptions) (bool, error)
}

// Backoff returns the retry delay after the given number of failed attempts.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

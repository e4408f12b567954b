// Package jobstore holds the durable queue of audio processing jobs.
//
// A Store owns job uniqueness, single ownership of an active attempt, and
// the retry/backoff policy. Workers never decide on their own whether a job
// is retried; they report the failure and the store schedules it.
package jobstore

import (
	"context"
	"math"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

const (
	// DefaultKeepCompleted is how many completed jobs Prune keeps
	DefaultKeepCompleted = 100
	// DefaultKeepFailed is how many failed jobs Prune keeps
	DefaultKeepFailed = 500

	// LeaseExpiredReason is recorded when an abandoned attempt used the last
	// allowed attempt
	LeaseExpiredReason = "attempt lease expired"
)

// Store is the Job Store contract shared by every backend
type Store interface {
	// Enqueue creates a WAITING job with the given id. When a live job with
	// the same id exists it is returned unchanged with created=false. A
	// terminal job with the same id is replaced by a fresh one.
	Enqueue(ctx context.Context, jobID string, payload domain.Payload) (job *domain.Job, created bool, err error)

	// Claim atomically takes the oldest claimable job for workerID and
	// leases it for the policy's lease timeout. An ACTIVE job whose lease
	// ran out is claimable again; the abandoned attempt still counts.
	// Returns domain.ErrNoJobAvailable when nothing is ready.
	Claim(ctx context.Context, workerID string) (*domain.Job, error)

	// UpdateProgress raises the progress of an owned ACTIVE job and
	// extends its lease
	UpdateProgress(ctx context.Context, jobID, workerID string, progress int) error

	// Complete marks an owned ACTIVE job as COMPLETED
	Complete(ctx context.Context, jobID, workerID string) error

	// Fail records a failed attempt. Retryable failures under the attempt
	// ceiling become DELAYED, everything else becomes terminally FAILED.
	Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (*domain.Job, error)

	// Get returns a snapshot of a job or domain.ErrJobNotFound
	Get(ctx context.Context, jobID string) (*domain.Job, error)

	// List returns jobs in the given state, most recently updated first
	List(ctx context.Context, state domain.JobState, limit int) ([]*domain.Job, error)

	// Counts returns the number of jobs per state
	Counts(ctx context.Context) (map[domain.JobState]int64, error)

	// Retry re-arms a FAILED job for one more attempt
	Retry(ctx context.Context, jobID string) (*domain.Job, error)

	// Prune deletes the oldest terminal jobs beyond the retention counts
	Prune(ctx context.Context, keepCompleted, keepFailed int) (int64, error)

	// Close releases the store. Further calls fail with domain.ErrStoreClosed.
	Close() error
}

// RetryPolicy configures exponential backoff for failed attempts and how
// long an ACTIVE attempt may go without a heartbeat
type RetryPolicy struct {
	BaseDelay         time.Duration
	MaxAttempts       int
	BackoffMultiplier float64
	LeaseTimeout      time.Duration
}

// DefaultRetryPolicy returns the reference policy: 3 attempts, 2s doubling,
// 15m attempt lease
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:         2 * time.Second,
		MaxAttempts:       3,
		BackoffMultiplier: 2.0,
		LeaseTimeout:      15 * time.Minute,
	}
}

// normalize fills zero values with the defaults
func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.LeaseTimeout <= 0 {
		p.LeaseTimeout = def.LeaseTimeout
	}
	return p
}

// Delay returns the wait before the attempt following the given failed one.
// Delay(1) is the wait before attempt 2.
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	p = p.normalize()
	if failedAttempt < 1 {
		failedAttempt = 1
	}
	factor := math.Pow(p.BackoffMultiplier, float64(failedAttempt-1))
	return time.Duration(float64(p.BaseDelay) * factor)
}

// clampProgress keeps progress inside 0..100
func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

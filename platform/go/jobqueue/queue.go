// Package jobqueue implements the durable provisioning work queue: one job per
// tenant, bounded retries with exponential backoff, and a retention window for
// terminal jobs.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the queue-level lifecycle of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Defaults for the retry policy, claim lease and retention window.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 5 * time.Second
	DefaultLeaseTimeout = 5 * time.Minute
	DefaultRetention    = 24 * time.Hour
)

var (
	// ErrDuplicateJob is returned when a tenant already has a live (pending or
	// running) job.
	ErrDuplicateJob = errors.New("jobqueue: tenant already has a live job")
	// ErrNotFound is returned when no job matches the lookup.
	ErrNotFound = errors.New("jobqueue: job not found")
)

// Job is one durable provisioning job. Attempts counts executions that have
// been handed to a worker; a job whose attempts reach MaxAttempts is terminally
// failed. LockedAt is the claim lease: a running job whose lease has expired is
// treated as abandoned by a crashed worker and handed out again.
type Job struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Payload     Payload
	Status      Status
	Attempts    int
	MaxAttempts int
	LastError   *string
	ScheduledAt time.Time
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
}

// NextRetryAt returns when the next attempt will run, or nil when the job is
// not awaiting a retry.
func (j Job) NextRetryAt() *time.Time {
	if j.Status == StatusPending && j.Attempts > 0 {
		at := j.ScheduledAt
		return &at
	}
	return nil
}

// BackoffDelay computes the delay before the next attempt after attemptsMade
// failed executions: baseDelay * 2^(attemptsMade-1), i.e. 5s, 10s, 20s with the
// default base.
func BackoffDelay(baseDelay time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return baseDelay << (attemptsMade - 1)
}

// Hooks receive terminal lifecycle notifications. Both are optional and called
// synchronously after the state change is durable.
type Hooks struct {
	OnCompleted func(Job)
	OnFailed    func(Job)
}

// Queue is the contract between the tenant service (producer) and the
// provisioning worker (consumer).
//
// Dequeue hands each attempt to exactly one caller; attempts themselves are
// not idempotent at this layer, that burden sits on the provisioning driver.
type Queue interface {
	// Enqueue admits exactly one durable job per tenant-creation event.
	Enqueue(ctx context.Context, payload Payload) (Job, error)
	// Dequeue claims the next due pending job, or returns nil when none is due.
	Dequeue(ctx context.Context) (*Job, error)
	// Complete marks a running job as terminally succeeded.
	Complete(ctx context.Context, jobID uuid.UUID) (Job, error)
	// Fail records a failed execution: the job is rescheduled per backoff while
	// attempts remain, and terminally failed otherwise. The returned job tells
	// the caller which of the two happened.
	Fail(ctx context.Context, jobID uuid.UUID, cause string) (Job, error)
	// LatestByTenant returns the most recent job for a tenant, terminal or not.
	LatestByTenant(ctx context.Context, tenantID uuid.UUID) (Job, error)
	// PurgeExpired deletes terminal jobs older than the retention window.
	PurgeExpired(ctx context.Context) (int64, error)
}

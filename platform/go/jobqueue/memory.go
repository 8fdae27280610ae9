package jobqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryConfig mirrors PostgresConfig for the in-memory queue. BaseDelay zero
// retries immediately, which keeps worker tests from sleeping through backoff.
type MemoryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	LeaseTimeout time.Duration
	Retention    time.Duration
	Hooks        Hooks
}

// MemoryQueue is an in-memory Queue with the same retry semantics as the
// Postgres implementation, suitable for tests and early development.
type MemoryQueue struct {
	mu           sync.Mutex
	jobs         map[uuid.UUID]*Job
	maxAttempts  int
	baseDelay    time.Duration
	leaseTimeout time.Duration
	retention    time.Duration
	hooks        Hooks
	now          func() time.Time
}

// NewMemoryQueue constructs a MemoryQueue; zero config values fall back to the
// package defaults.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &MemoryQueue{
		jobs:         make(map[uuid.UUID]*Job),
		maxAttempts:  cfg.MaxAttempts,
		baseDelay:    cfg.BaseDelay,
		leaseTimeout: cfg.LeaseTimeout,
		retention:    cfg.Retention,
		hooks:        cfg.Hooks,
		now:          time.Now,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, payload Payload) (Job, error) {
	if err := ValidatePayload(payload); err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range q.jobs {
		if j.TenantID == payload.TenantID && (j.Status == StatusPending || j.Status == StatusRunning) {
			return Job{}, ErrDuplicateJob
		}
	}

	now := q.now().UTC()
	job := Job{
		ID:          uuid.New(),
		TenantID:    payload.TenantID,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: q.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.jobs[job.ID] = &job
	return job, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []*Job
	for _, j := range q.jobs {
		switch {
		case j.Status == StatusPending && !j.ScheduledAt.After(now):
			due = append(due, j)
		case j.Status == StatusRunning && j.LockedAt != nil && now.Sub(*j.LockedAt) >= q.leaseTimeout:
			// Abandoned claim; the lease expired without Complete or Fail.
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, k int) bool { return due[i].ScheduledAt.Before(due[k].ScheduledAt) })

	j := due[0]
	lockedAt := now.UTC()
	j.Status = StatusRunning
	j.LockedAt = &lockedAt
	j.UpdatedAt = lockedAt
	out := *j
	return &out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID uuid.UUID) (Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrNotFound
	}
	now := q.now().UTC()
	j.Status = StatusCompleted
	j.LockedAt = nil
	j.UpdatedAt = now
	j.FinishedAt = &now
	out := *j
	q.mu.Unlock()

	if q.hooks.OnCompleted != nil {
		q.hooks.OnCompleted(out)
	}
	return out, nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID uuid.UUID, cause string) (Job, error) {
	q.mu.Lock()
	j, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return Job{}, ErrNotFound
	}

	now := q.now().UTC()
	j.Attempts++
	j.LastError = &cause
	j.LockedAt = nil
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		j.Status = StatusFailed
		j.FinishedAt = &now
	} else {
		j.Status = StatusPending
		j.ScheduledAt = now.Add(BackoffDelay(q.baseDelay, j.Attempts))
	}
	out := *j
	q.mu.Unlock()

	if out.Status == StatusFailed && q.hooks.OnFailed != nil {
		q.hooks.OnFailed(out)
	}
	return out, nil
}

func (q *MemoryQueue) LatestByTenant(ctx context.Context, tenantID uuid.UUID) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var latest *Job
	for _, j := range q.jobs {
		if j.TenantID != tenantID {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return Job{}, ErrNotFound
	}
	return *latest, nil
}

func (q *MemoryQueue) PurgeExpired(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().UTC().Add(-q.retention)
	var purged int64
	for id, j := range q.jobs {
		if (j.Status == StatusCompleted || j.Status == StatusFailed) && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
			purged++
		}
	}
	return purged, nil
}

var _ Queue = (*MemoryQueue)(nil)

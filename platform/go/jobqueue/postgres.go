package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/atriumhq/atrium-saas/database"
)

const jobColumns = `job_id, tenant_id, payload, status, attempts, max_attempts,
	last_error, scheduled_at, locked_at, created_at, updated_at, finished_at`

// PostgresConfig tunes the durable queue; zero values fall back to the package
// defaults.
type PostgresConfig struct {
	Pool         *pgxpool.Pool
	MaxAttempts  int
	BaseDelay    time.Duration
	LeaseTimeout time.Duration
	Retention    time.Duration
	Hooks        Hooks
}

// PostgresQueue stores jobs in the control-plane database so they survive
// process restarts. Dequeue relies on FOR UPDATE SKIP LOCKED, so any number of
// workers can poll the same table without handing one attempt to two of them.
type PostgresQueue struct {
	pool         *pgxpool.Pool
	maxAttempts  int
	baseDelay    time.Duration
	leaseTimeout time.Duration
	retention    time.Duration
	hooks        Hooks
}

// NewPostgresQueue applies the queue DDL (idempotent) and returns the queue.
func NewPostgresQueue(ctx context.Context, cfg PostgresConfig) (*PostgresQueue, error) {
	if cfg.Pool == nil {
		return nil, errors.New("jobqueue: pool is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = DefaultLeaseTimeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	if _, err := cfg.Pool.Exec(ctx, sqlassets.ProvisioningJobsSQL); err != nil {
		return nil, fmt.Errorf("apply provisioning_jobs ddl: %w", err)
	}

	return &PostgresQueue{
		pool:         cfg.Pool,
		maxAttempts:  cfg.MaxAttempts,
		baseDelay:    cfg.BaseDelay,
		leaseTimeout: cfg.LeaseTimeout,
		retention:    cfg.Retention,
		hooks:        cfg.Hooks,
	}, nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, payload Payload) (Job, error) {
	if err := ValidatePayload(payload); err != nil {
		return Job{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO provisioning_jobs (job_id, tenant_id, payload, status, attempts, max_attempts)
		VALUES ($1, $2, $3, 'pending', 0, $4)
		RETURNING %s`, jobColumns)

	row := q.pool.QueryRow(ctx, query, uuid.New(), payload.TenantID, raw, q.maxAttempts)
	job, err := scanJob(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Job{}, ErrDuplicateJob
		}
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Dequeue also reclaims running jobs whose claim lease has expired, so a
// worker crash mid-attempt cannot wedge its tenant behind a dead claim.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*Job, error) {
	query := fmt.Sprintf(`
		UPDATE provisioning_jobs
		SET status = 'running', locked_at = now(), updated_at = now()
		WHERE job_id = (
			SELECT job_id FROM provisioning_jobs
			WHERE (status = 'pending' AND scheduled_at <= now())
			   OR (status = 'running' AND locked_at < now() - make_interval(secs => $1))
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING %s`, jobColumns)

	job, err := scanJob(q.pool.QueryRow(ctx, query, q.leaseTimeout.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return &job, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID uuid.UUID) (Job, error) {
	query := fmt.Sprintf(`
		UPDATE provisioning_jobs
		SET status = 'completed', locked_at = NULL, updated_at = now(), finished_at = now()
		WHERE job_id = $1
		RETURNING %s`, jobColumns)

	job, err := scanJob(q.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("complete job: %w", err)
	}

	if q.hooks.OnCompleted != nil {
		q.hooks.OnCompleted(job)
	}
	return job, nil
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID uuid.UUID, cause string) (Job, error) {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	current, err := scanJob(tx.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM provisioning_jobs WHERE job_id = $1 FOR UPDATE", jobColumns), jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("lock job: %w", err)
	}

	attempts := current.Attempts + 1
	var row pgx.Row
	if attempts >= current.MaxAttempts {
		row = tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE provisioning_jobs
			SET status = 'failed', attempts = $2, last_error = $3,
			    updated_at = now(), finished_at = now()
			WHERE job_id = $1
			RETURNING %s`, jobColumns), jobID, attempts, cause)
	} else {
		delay := BackoffDelay(q.baseDelay, attempts)
		row = tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE provisioning_jobs
			SET status = 'pending', attempts = $2, last_error = $3,
			    updated_at = now(), scheduled_at = now() + make_interval(secs => $4)
			WHERE job_id = $1
			RETURNING %s`, jobColumns), jobID, attempts, cause, delay.Seconds())
	}

	job, err := scanJob(row)
	if err != nil {
		return Job{}, fmt.Errorf("record failed attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("commit: %w", err)
	}

	if job.Status == StatusFailed && q.hooks.OnFailed != nil {
		q.hooks.OnFailed(job)
	}
	return job, nil
}

func (q *PostgresQueue) LatestByTenant(ctx context.Context, tenantID uuid.UUID) (Job, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM provisioning_jobs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, jobColumns)

	job, err := scanJob(q.pool.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("load job by tenant: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-q.retention)
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM provisioning_jobs
		WHERE status IN ('completed', 'failed') AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (Job, error) {
	var (
		job Job
		raw []byte
		st  string
	)
	if err := row.Scan(
		&job.ID, &job.TenantID, &raw, &st, &job.Attempts, &job.MaxAttempts,
		&job.LastError, &job.ScheduledAt, &job.LockedAt, &job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(raw, &job.Payload); err != nil {
		return Job{}, fmt.Errorf("decode payload: %w", err)
	}
	job.Status = Status(st)
	return job, nil
}

var _ Queue = (*PostgresQueue)(nil)

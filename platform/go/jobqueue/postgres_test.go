package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/atriumhq/atrium-saas/platform/go/persistence"
)

func TestPostgresQueueLifecycle(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping queue integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("atrium"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { persistence.ClosePool(pool) })

	q, err := NewPostgresQueue(ctx, PostgresConfig{Pool: pool, BaseDelay: 50 * time.Millisecond})
	require.NoError(t, err)

	tenantID := uuid.New()
	job, err := q.Enqueue(ctx, testPayload(tenantID))
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)
	require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)

	_, err = q.Enqueue(ctx, testPayload(tenantID))
	require.ErrorIs(t, err, ErrDuplicateJob)

	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	require.Equal(t, StatusRunning, claimed.Status)
	require.Equal(t, "tenant_acme_prod", claimed.Payload.DBName)

	// While the job is running no other worker can claim it.
	other, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Nil(t, other)

	// A dead worker's claim is redelivered once its lease expires.
	_, err = pool.Exec(ctx,
		"UPDATE provisioning_jobs SET locked_at = now() - interval '1 hour' WHERE job_id = $1", job.ID)
	require.NoError(t, err)

	reclaimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, job.ID, reclaimed.ID)
	require.Equal(t, StatusRunning, reclaimed.Status)
	require.NotNil(t, reclaimed.LockedAt)

	// First failure reschedules with backoff.
	failedOnce, err := q.Fail(ctx, job.ID, "create database: connection refused")
	require.NoError(t, err)
	require.Equal(t, StatusPending, failedOnce.Status)
	require.Equal(t, 1, failedOnce.Attempts)
	require.NotNil(t, failedOnce.NextRetryAt())

	// Wait out the short test backoff and run the job to completion.
	require.Eventually(t, func() bool {
		claimed, err = q.Dequeue(ctx)
		require.NoError(t, err)
		return claimed != nil
	}, 5*time.Second, 20*time.Millisecond)

	done, err := q.Complete(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.FinishedAt)

	latest, err := q.LatestByTenant(ctx, tenantID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, latest.Status)

	// Terminal row survives until the retention window passes.
	purged, err := q.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, purged)

	// A new job for the same tenant is allowed once the old one is terminal.
	_, err = q.Enqueue(ctx, testPayload(tenantID))
	require.NoError(t, err)
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/provisioning"
	"github.com/atriumhq/atrium-saas/domains/tenants/be/repo"
	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	"github.com/atriumhq/atrium-saas/platform/go/vault"
)

type noopDriver struct {
	deleted []string
}

func (d *noopDriver) CreateDatabase(ctx context.Context, cfg service.DatabaseConfig) error { return nil }
func (d *noopDriver) RunMigration(ctx context.Context, cfg service.DatabaseConfig) error   { return nil }
func (d *noopDriver) CreateInitialUser(ctx context.Context, cfg service.DatabaseConfig, admin service.AdminIdentity) error {
	return nil
}
func (d *noopDriver) ActivateInitialUser(ctx context.Context, cfg service.DatabaseConfig, email string) error {
	return nil
}
func (d *noopDriver) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return true, nil
}
func (d *noopDriver) DeleteDatabase(ctx context.Context, cfg service.DatabaseConfig) error {
	d.deleted = append(d.deleted, cfg.Database)
	return nil
}

// brokenQueue fails every enqueue; the rest delegates to the wrapped queue.
type brokenQueue struct {
	jobqueue.Queue
}

func (q brokenQueue) Enqueue(ctx context.Context, payload jobqueue.Payload) (jobqueue.Job, error) {
	return jobqueue.Job{}, errors.New("queue unavailable")
}

type fixture struct {
	svc      *service.Service
	repo     *repo.MemoryRepository
	queue    *jobqueue.MemoryQueue
	progress *provisioning.MemoryProgressStore
	driver   *noopDriver
	vault    *vault.Vault
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	v := vault.New("service-test-master-key")

	tenants := repo.NewMemoryRepository()
	queue := jobqueue.NewMemoryQueue(jobqueue.MemoryConfig{BaseDelay: 0})
	progress := provisioning.NewMemoryProgressStore(time.Hour)
	driver := &noopDriver{}

	svc := service.New(tenants, queue, v, progress, driver, service.Config{
		EnvKey:       "test",
		TenantDBHost: "localhost",
		TenantDBPort: 5432,
	})
	return fixture{svc: svc, repo: tenants, queue: queue, progress: progress, driver: driver, vault: v}
}

func validInput(slug string) service.CreateInput {
	return service.CreateInput{
		Slug:              slug,
		CompanyName:       "Acme Corp",
		AdminEmail:        "admin@acme.test",
		AdminPasswordHash: "$2a$10$fakehashfakehashfakehash",
	}
}

func TestCreateRegistersTenantAndEnqueuesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)
	require.Equal(t, "acme", created.Slug)
	require.Equal(t, "tenant_acme_test", created.DBName)
	require.Equal(t, "tenant_acme_test_role", created.DBUsername)
	require.Equal(t, service.StatusPending, created.ProvisioningStatus)
	require.False(t, created.IsActive)

	// The stored credential must decrypt back to a usable password.
	password, err := f.vault.Decrypt(created.DBPasswordEncrypted)
	require.NoError(t, err)
	require.Len(t, password, 64)

	job, err := f.queue.LatestByTenant(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusPending, job.Status)
	require.Equal(t, "tenant_acme_test", job.Payload.DBName)
}

func TestCreateRejectsInvalidSlug(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, validInput("Bad Slug!"))
	require.Error(t, err)

	list, err := f.svc.List(ctx, service.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, list.Tenants)
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, validInput("acme"))
	require.ErrorIs(t, err, service.ErrConflictSlug)
}

func TestCreateRollsBackWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	v := f.vault
	svc := service.New(f.repo, brokenQueue{Queue: f.queue}, v, f.progress, f.driver, service.Config{
		EnvKey:       "test",
		TenantDBHost: "localhost",
		TenantDBPort: 5432,
	})

	_, err := svc.Create(ctx, validInput("acme"))
	require.Error(t, err)

	// The registry row must not survive a failed enqueue.
	list, listErr := svc.List(ctx, service.ListOptions{})
	require.NoError(t, listErr)
	require.Empty(t, list.Tenants)
}

func TestStatusPrefersProgressRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)

	started := time.Now().UTC()
	require.NoError(t, f.progress.Set(ctx, created.ID, service.Progress{
		Status:      service.ProgressStatusMigrating,
		Progress:    50,
		CurrentStep: "running_migrations",
		StartedAt:   started,
	}))

	view, err := f.svc.Status(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.ProgressStatusMigrating, view.Status)
	require.Equal(t, 50, view.Progress)
	require.NotNil(t, view.CurrentStep)
	require.Equal(t, "running_migrations", *view.CurrentStep)
	require.NotNil(t, view.JobID)
}

func TestStatusFallsBackToRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkCompleted(ctx, created.ID, time.Now().UTC()))

	// No progress record: the TTL has long expired by the time anyone polls.
	view, err := f.svc.Status(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.ProgressStatusCompleted, view.Status)
	require.Equal(t, 100, view.Progress)
	require.NotNil(t, view.CompletedAt)
}

func TestStatusUnknownTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	view, err := f.svc.Status(ctx, uuid.New())
	require.NoError(t, err)
	require.Equal(t, service.ProgressStatusNotFound, view.Status)
	require.Zero(t, view.Progress)
}

func TestRetryProvisioning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)

	// Only terminally failed tenants are retryable.
	_, err = f.svc.RetryProvisioning(ctx, created.ID)
	require.ErrorIs(t, err, service.ErrNotRetryable)

	// Exhaust the job, mark the tenant failed.
	for i := 0; i < jobqueue.DefaultMaxAttempts; i++ {
		job, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		_, err = f.queue.Fail(ctx, job.ID, "boom")
		require.NoError(t, err)
	}
	require.NoError(t, f.repo.MarkFailed(ctx, created.ID, "boom"))

	job, err := f.svc.RetryProvisioning(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusPending, job.Status)
	require.Equal(t, created.ID, job.TenantID)

	got, err := f.svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusPending, got.ProvisioningStatus)
	require.Nil(t, got.ProvisioningError)
}

// flakyQueue fails the next N enqueues, then delegates.
type flakyQueue struct {
	*jobqueue.MemoryQueue
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, payload jobqueue.Payload) (jobqueue.Job, error) {
	if q.failures > 0 {
		q.failures--
		return jobqueue.Job{}, errors.New("queue unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, payload)
}

func TestRetryProvisioningSurvivesEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	queue := &flakyQueue{MemoryQueue: f.queue}
	svc := service.New(f.repo, queue, f.vault, f.progress, f.driver, service.Config{
		EnvKey:       "test",
		TenantDBHost: "localhost",
		TenantDBPort: 5432,
	})

	created, err := svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)

	for i := 0; i < jobqueue.DefaultMaxAttempts; i++ {
		job, err := f.queue.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		_, err = f.queue.Fail(ctx, job.ID, "boom")
		require.NoError(t, err)
	}
	require.NoError(t, f.repo.MarkFailed(ctx, created.ID, "boom"))

	// A queue outage during retry must leave the tenant failed, not pending,
	// so the retry stays available.
	queue.failures = 1
	_, err = svc.RetryProvisioning(ctx, created.ID)
	require.Error(t, err)

	got, err := svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, got.ProvisioningStatus)

	// Once the queue recovers the same retry succeeds.
	job, err := svc.RetryProvisioning(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusPending, job.Status)

	got, err = svc.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusPending, got.ProvisioningStatus)
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.svc.Create(ctx, validInput("acme"))
	require.NoError(t, err)

	require.NoError(t, f.svc.Teardown(ctx, created.ID))
	require.Equal(t, []string{"tenant_acme_test"}, f.driver.deleted)

	_, err = f.svc.Get(ctx, created.ID)
	require.ErrorIs(t, err, service.ErrNotFound)
}

package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/repo"
	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	"github.com/atriumhq/atrium-saas/platform/go/tenant"
	"github.com/atriumhq/atrium-saas/platform/go/vault"
)

// fakeDriver records calls and can be told to fail the first N database
// creations or to report the database as missing.
type fakeDriver struct {
	mu             sync.Mutex
	failCreates    int
	reportMissing  bool
	createCalls    int
	migrationCalls int
	usersCreated   []service.AdminIdentity
	activated      []string
	deleted        []string
}

func (d *fakeDriver) CreateDatabase(ctx context.Context, cfg service.DatabaseConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createCalls++
	if d.createCalls <= d.failCreates {
		return &service.StepError{Step: "creating_database", Err: errors.New("connection refused")}
	}
	return nil
}

func (d *fakeDriver) RunMigration(ctx context.Context, cfg service.DatabaseConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.migrationCalls++
	return nil
}

func (d *fakeDriver) CreateInitialUser(ctx context.Context, cfg service.DatabaseConfig, admin service.AdminIdentity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.usersCreated = append(d.usersCreated, admin)
	return nil
}

func (d *fakeDriver) ActivateInitialUser(ctx context.Context, cfg service.DatabaseConfig, email string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = append(d.activated, email)
	return nil
}

func (d *fakeDriver) DatabaseExists(ctx context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reportMissing {
		return false, nil
	}
	return d.createCalls > d.failCreates, nil
}

func (d *fakeDriver) DeleteDatabase(ctx context.Context, cfg service.DatabaseConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, cfg.Database)
	return nil
}

type workerFixture struct {
	worker   *Worker
	queue    *jobqueue.MemoryQueue
	repo     *repo.MemoryRepository
	progress *MemoryProgressStore
	driver   *fakeDriver
	vault    *vault.Vault
}

func newWorkerFixture(t *testing.T, driver *fakeDriver) workerFixture {
	t.Helper()

	v := vault.New("worker-test-master-key")

	// BaseDelay zero makes retries due immediately, so RunOnce drains the
	// whole retry ladder in one call.
	queue := jobqueue.NewMemoryQueue(jobqueue.MemoryConfig{BaseDelay: 0})
	tenants := repo.NewMemoryRepository()
	progress := NewMemoryProgressStore(time.Hour)

	worker := NewWorker(WorkerConfig{
		Queue:              queue,
		Repo:               tenants,
		Driver:             driver,
		Progress:           progress,
		Vault:              v,
		CompletedRetention: time.Hour, // keep completed progress visible to assertions
	})

	return workerFixture{worker: worker, queue: queue, repo: tenants, progress: progress, driver: driver, vault: v}
}

func (f workerFixture) seedTenant(t *testing.T, slug string) (service.Tenant, jobqueue.Job) {
	t.Helper()
	ctx := context.Background()

	password, err := f.vault.Generate()
	require.NoError(t, err)
	encrypted, err := f.vault.Encrypt(password)
	require.NoError(t, err)

	id := uuid.New()
	dbName := tenant.BuildDatabaseName(slug, "test")
	created, err := f.repo.Create(ctx, service.Tenant{
		ID:                  id,
		Slug:                slug,
		CompanyName:         "Acme Corp",
		AdminEmail:          "admin@acme.test",
		DBHost:              "localhost",
		DBPort:              5432,
		DBUsername:          tenant.BuildRoleName(dbName),
		DBName:              dbName,
		DBPasswordEncrypted: encrypted,
		ProvisioningStatus:  service.StatusPending,
		CreatedAt:           time.Now().UTC(),
	})
	require.NoError(t, err)

	job, err := f.queue.Enqueue(ctx, jobqueue.Payload{
		TenantID:          id,
		Slug:              slug,
		DBName:            dbName,
		AdminEmail:        created.AdminEmail,
		AdminPasswordHash: "$2a$10$fakehashfakehashfakehash",
		CompanyName:       created.CompanyName,
	})
	require.NoError(t, err)
	return created, job
}

func TestWorkerHappyPath(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{}
	f := newWorkerFixture(t, driver)
	created, job := f.seedTenant(t, "acme")

	require.NoError(t, f.worker.RunOnce(ctx))

	got, err := f.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusCompleted, got.ProvisioningStatus)
	require.True(t, got.IsActive)
	require.NotNil(t, got.ProvisionedAt)
	require.Nil(t, got.ProvisioningError)

	require.Equal(t, 1, driver.createCalls)
	require.Equal(t, 1, driver.migrationCalls)
	require.Len(t, driver.usersCreated, 1)
	require.Equal(t, "admin@acme.test", driver.usersCreated[0].Email)
	require.Equal(t, []string{"admin@acme.test"}, driver.activated)

	p, ok, err := f.progress.Get(ctx, created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, service.ProgressStatusCompleted, p.Status)
	require.Equal(t, 100, p.Progress)
	require.NotNil(t, p.CompletedAt)

	done, err := f.queue.LatestByTenant(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusCompleted, done.Status)
	_ = job
}

func TestWorkerRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{failCreates: 2}
	f := newWorkerFixture(t, driver)
	created, _ := f.seedTenant(t, "flaky")

	require.NoError(t, f.worker.RunOnce(ctx))

	got, err := f.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusCompleted, got.ProvisioningStatus)
	require.Equal(t, 2, got.ProvisioningAttempts)
	require.Equal(t, 3, driver.createCalls)

	job, err := f.queue.LatestByTenant(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusCompleted, job.Status)
	require.Equal(t, 2, job.Attempts)
}

func TestWorkerExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{failCreates: 100}
	f := newWorkerFixture(t, driver)
	created, _ := f.seedTenant(t, "doomed")

	require.NoError(t, f.worker.RunOnce(ctx))

	got, err := f.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, got.ProvisioningStatus)
	require.False(t, got.IsActive)
	require.Equal(t, jobqueue.DefaultMaxAttempts, got.ProvisioningAttempts)
	require.NotNil(t, got.ProvisioningError)
	require.Contains(t, *got.ProvisioningError, "creating_database")

	// The database is left in place for inspection, never torn down here.
	require.Empty(t, driver.deleted)

	// Terminal failure drops the ephemeral record; the registry answers now.
	_, ok, err := f.progress.Get(ctx, created.ID)
	require.NoError(t, err)
	require.False(t, ok)

	job, err := f.queue.LatestByTenant(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusFailed, job.Status)
	require.Equal(t, jobqueue.DefaultMaxAttempts, job.Attempts)
}

func TestWorkerVerificationGate(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{reportMissing: true}
	f := newWorkerFixture(t, driver)
	created, _ := f.seedTenant(t, "phantom")

	require.NoError(t, f.worker.RunOnce(ctx))

	got, err := f.repo.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, service.StatusFailed, got.ProvisioningStatus)
	require.Contains(t, *got.ProvisioningError, "does not exist")

	// No step after the failed gate may run.
	require.Zero(t, driver.migrationCalls)
	require.Empty(t, driver.usersCreated)
	require.Empty(t, driver.activated)
}

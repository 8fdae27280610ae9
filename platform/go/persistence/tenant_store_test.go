package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testTenantRecord(slug string) TenantRecord {
	return TenantRecord{
		TenantID:            uuid.New(),
		Slug:                slug,
		CompanyName:         "Acme Corp",
		AdminEmail:          "admin@acme.test",
		DBHost:              "localhost",
		DBPort:              5432,
		DBUsername:          "tenant_" + slug + "_prod_role",
		DBName:              "tenant_" + slug + "_prod",
		DBPasswordEncrypted: "aa:bb",
		ProvisioningStatus:  "pending",
		CreatedAt:           time.Now().UTC(),
	}
}

func TestTenantStoreLifecycle(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("skipping registry integration test in short mode")
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

	pool, err := NewPool(ctx, PoolConfig{ConnString: connString})
	require.NoError(t, err)
	t.Cleanup(func() { ClosePool(pool) })

	store, err := NewTenantStore(ctx, pool)
	require.NoError(t, err)

	created, err := store.Create(ctx, testTenantRecord("acme"))
	require.NoError(t, err)
	require.Equal(t, "pending", created.ProvisioningStatus)
	require.False(t, created.IsActive)

	// Slug uniqueness is enforced by the registry itself.
	_, err = store.Create(ctx, testTenantRecord("acme"))
	require.Error(t, err)

	bySlug, err := store.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, created.TenantID, bySlug.TenantID)

	_, err = store.Get(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetProvisioningStatus(ctx, created.TenantID, "provisioning"))
	require.NoError(t, store.RecordFailure(ctx, created.TenantID, "create database: boom"))
	require.NoError(t, store.RecordFailure(ctx, created.TenantID, "create database: boom again"))

	got, err := store.Get(ctx, created.TenantID)
	require.NoError(t, err)
	require.Equal(t, "provisioning", got.ProvisioningStatus)
	require.Equal(t, 2, got.ProvisioningAttempts)
	require.NotNil(t, got.ProvisioningError)

	require.NoError(t, store.MarkFailed(ctx, created.TenantID, "create database: boom again"))
	got, err = store.Get(ctx, created.TenantID)
	require.NoError(t, err)
	require.Equal(t, "failed", got.ProvisioningStatus)
	require.False(t, got.IsActive)

	require.NoError(t, store.ResetForRetry(ctx, created.TenantID))
	got, err = store.Get(ctx, created.TenantID)
	require.NoError(t, err)
	require.Equal(t, "pending", got.ProvisioningStatus)
	require.Nil(t, got.ProvisioningError)

	provisionedAt := time.Now().UTC()
	require.NoError(t, store.MarkCompleted(ctx, created.TenantID, provisionedAt))
	got, err = store.Get(ctx, created.TenantID)
	require.NoError(t, err)
	require.Equal(t, "completed", got.ProvisioningStatus)
	require.True(t, got.IsActive)
	require.NotNil(t, got.ProvisionedAt)

	other, err := store.Create(ctx, testTenantRecord("globex"))
	require.NoError(t, err)

	status := "completed"
	page, total, err := store.List(ctx, &status, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, page, 1)

	all, total, err := store.List(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, all, 2)

	require.NoError(t, store.Delete(ctx, other.TenantID))
	require.ErrorIs(t, store.Delete(ctx, other.TenantID), ErrNotFound)
}

package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
)

func TestMemoryProgressStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProgressStore(time.Hour)
	tenantID := uuid.New()

	_, ok, err := store.Get(ctx, tenantID)
	require.NoError(t, err)
	require.False(t, ok)

	p := service.Progress{
		Status:      service.ProgressStatusMigrating,
		Progress:    service.ProgressFor(service.ProgressStatusMigrating),
		CurrentStep: "running_migrations",
		StartedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.Set(ctx, tenantID, p))

	got, ok, err := store.Get(ctx, tenantID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, service.ProgressStatusMigrating, got.Status)
	require.Equal(t, 50, got.Progress)

	require.NoError(t, store.Delete(ctx, tenantID))
	_, ok, err = store.Get(ctx, tenantID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryProgressStoreExpires(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProgressStore(time.Minute)
	tenantID := uuid.New()

	require.NoError(t, store.Set(ctx, tenantID, service.Progress{
		Status:    service.ProgressStatusProvisioning,
		StartedAt: time.Now().UTC(),
	}))

	// Jump past the TTL.
	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, ok, err := store.Get(ctx, tenantID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestProgressPercentages(t *testing.T) {
	require.Equal(t, 0, service.ProgressFor(service.ProgressStatusPending))
	require.Equal(t, 0, service.ProgressFor(service.ProgressStatusProvisioning))
	require.Equal(t, 10, service.ProgressFor(service.ProgressStatusCreatingDB))
	require.Equal(t, 50, service.ProgressFor(service.ProgressStatusMigrating))
	require.Equal(t, 80, service.ProgressFor(service.ProgressStatusCreatingUser))
	require.Equal(t, 100, service.ProgressFor(service.ProgressStatusCompleted))
	require.Equal(t, 0, service.ProgressFor(service.ProgressStatusFailed))
}

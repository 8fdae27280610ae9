package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/persistence"
)

// PostgresRepository implements the tenant repository on the shared
// persistence layer.
type PostgresRepository struct {
	store *persistence.TenantStore
}

// NewPostgresRepository constructs a repository backed by TenantStore.
func NewPostgresRepository(store *persistence.TenantStore) *PostgresRepository {
	if store == nil {
		panic("tenant store is required")
	}
	return &PostgresRepository{store: store}
}

func (r *PostgresRepository) Create(ctx context.Context, t service.Tenant) (service.Tenant, error) {
	out, err := r.store.Create(ctx, toRecord(t))
	if err != nil {
		return service.Tenant{}, mapConflict(err)
	}
	return toServiceTenant(out), nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (service.Tenant, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return service.Tenant{}, mapNotFound(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) FindBySlug(ctx context.Context, slug string) (service.Tenant, error) {
	rec, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return service.Tenant{}, mapNotFound(err)
	}
	return toServiceTenant(rec), nil
}

func (r *PostgresRepository) List(ctx context.Context, opts service.ListOptions) (service.ListResult, error) {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	var statusStr *string
	if opts.Status != nil {
		s := string(*opts.Status)
		statusStr = &s
	}

	rows, total, err := r.store.List(ctx, statusStr, size, offset)
	if err != nil {
		return service.ListResult{}, err
	}

	tenants := make([]service.Tenant, 0, len(rows))
	for _, rec := range rows {
		tenants = append(tenants, toServiceTenant(rec))
	}

	totalPages := (total + size - 1) / size
	return service.ListResult{Tenants: tenants, Page: page, PageSize: size, TotalItems: total, TotalPages: totalPages}, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return mapNotFound(r.store.Delete(ctx, id))
}

func (r *PostgresRepository) SetProvisioningStatus(ctx context.Context, id uuid.UUID, status service.Status) error {
	return mapNotFound(r.store.SetProvisioningStatus(ctx, id, string(status)))
}

func (r *PostgresRepository) MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) error {
	return mapNotFound(r.store.MarkCompleted(ctx, id, provisionedAt))
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id uuid.UUID, cause string) error {
	return mapNotFound(r.store.RecordFailure(ctx, id, cause))
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	return mapNotFound(r.store.MarkFailed(ctx, id, cause))
}

func (r *PostgresRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	return mapNotFound(r.store.ResetForRetry(ctx, id))
}

func toRecord(t service.Tenant) persistence.TenantRecord {
	return persistence.TenantRecord{
		TenantID:             t.ID,
		Slug:                 t.Slug,
		CompanyName:          t.CompanyName,
		AdminEmail:           t.AdminEmail,
		DBHost:               t.DBHost,
		DBPort:               t.DBPort,
		DBUsername:           t.DBUsername,
		DBName:               t.DBName,
		DBPasswordEncrypted:  t.DBPasswordEncrypted,
		ProvisioningStatus:   string(t.ProvisioningStatus),
		ProvisioningError:    t.ProvisioningError,
		ProvisioningAttempts: t.ProvisioningAttempts,
		ProvisionedAt:        t.ProvisionedAt,
		IsActive:             t.IsActive,
		CreatedAt:            t.CreatedAt,
	}
}

func toServiceTenant(rec persistence.TenantRecord) service.Tenant {
	return service.Tenant{
		ID:                   rec.TenantID,
		Slug:                 rec.Slug,
		CompanyName:          rec.CompanyName,
		AdminEmail:           rec.AdminEmail,
		DBHost:               rec.DBHost,
		DBPort:               rec.DBPort,
		DBUsername:           rec.DBUsername,
		DBName:               rec.DBName,
		DBPasswordEncrypted:  rec.DBPasswordEncrypted,
		ProvisioningStatus:   service.StatusFromString(rec.ProvisioningStatus),
		ProvisioningError:    rec.ProvisioningError,
		ProvisioningAttempts: rec.ProvisioningAttempts,
		ProvisionedAt:        rec.ProvisionedAt,
		IsActive:             rec.IsActive,
		CreatedAt:            rec.CreatedAt,
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return service.ErrNotFound
	}
	return err
}

func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" && strings.EqualFold(pgErr.ConstraintName, "tenants_slug_unique") {
			return service.ErrConflictSlug
		}
	}
	return err
}

// Ensure interface compliance.
var _ service.Repository = (*PostgresRepository)(nil)

package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/atriumhq/atrium-saas/database"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// TenantsTable is the tenant registry table in the control-plane database.
const TenantsTable = "tenants"

// TenantRecord is one tenant registry row. The provisioning worker mutates
// only the provisioning columns, provisioned_at and is_active.
type TenantRecord struct {
	TenantID             uuid.UUID  `db:"tenant_id"`
	Slug                 string     `db:"slug"`
	CompanyName          string     `db:"company_name"`
	AdminEmail           string     `db:"admin_email"`
	DBHost               string     `db:"db_host"`
	DBPort               int        `db:"db_port"`
	DBUsername           string     `db:"db_username"`
	DBName               string     `db:"db_name"`
	DBPasswordEncrypted  string     `db:"db_password_encrypted"`
	ProvisioningStatus   string     `db:"provisioning_status"`
	ProvisioningError    *string    `db:"provisioning_error"`
	ProvisioningAttempts int        `db:"provisioning_attempts"`
	ProvisionedAt        *time.Time `db:"provisioned_at"`
	IsActive             bool       `db:"is_active"`
	CreatedAt            time.Time  `db:"created_at"`
}

const tenantColumns = `tenant_id, slug, company_name, admin_email, db_host, db_port,
	db_username, db_name, db_password_encrypted, provisioning_status,
	provisioning_error, provisioning_attempts, provisioned_at, is_active, created_at`

// TenantStore provides access to the tenant registry.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore applies the registry DDL (idempotent) and returns the store.
func NewTenantStore(ctx context.Context, pool *pgxpool.Pool) (*TenantStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if _, err := pool.Exec(ctx, sqlassets.TenantsSQL); err != nil {
		return nil, fmt.Errorf("apply tenants ddl: %w", err)
	}
	return &TenantStore{pool: pool}, nil
}

// Create inserts a new tenant row.
func (s *TenantStore) Create(ctx context.Context, rec TenantRecord) (TenantRecord, error) {
	if rec.TenantID == uuid.Nil {
		return TenantRecord{}, errors.New("tenant id is required")
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			tenant_id, slug, company_name, admin_email, db_host, db_port,
			db_username, db_name, db_password_encrypted, provisioning_status,
			provisioning_error, provisioning_attempts, provisioned_at, is_active, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING %s`, TenantsTable, tenantColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.TenantID, rec.Slug, rec.CompanyName, rec.AdminEmail, rec.DBHost, rec.DBPort,
		rec.DBUsername, rec.DBName, rec.DBPasswordEncrypted, rec.ProvisioningStatus,
		rec.ProvisioningError, rec.ProvisioningAttempts, rec.ProvisionedAt, rec.IsActive, rec.CreatedAt,
	)
	return scanTenantRecord(row)
}

// Get returns a tenant by id.
func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (TenantRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = $1", tenantColumns, TenantsTable)
	return s.one(ctx, query, id)
}

// GetBySlug returns a tenant by slug.
func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (TenantRecord, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE slug = $1", tenantColumns, TenantsTable)
	return s.one(ctx, query, slug)
}

// List returns a page of tenants, optionally filtered by provisioning status.
func (s *TenantStore) List(ctx context.Context, status *string, limit, offset int) ([]TenantRecord, int, error) {
	where := ""
	args := []any{limit, offset}
	if status != nil {
		where = "WHERE provisioning_status = $3"
		args = append(args, *status)
	}

	query := fmt.Sprintf(`
		SELECT %s, count(*) OVER () AS total
		FROM %s %s
		ORDER BY created_at
		LIMIT $1 OFFSET $2`, tenantColumns, TenantsTable, where)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var (
		out   []TenantRecord
		total int
	)
	for rows.Next() {
		var rec TenantRecord
		if err := rows.Scan(
			&rec.TenantID, &rec.Slug, &rec.CompanyName, &rec.AdminEmail, &rec.DBHost, &rec.DBPort,
			&rec.DBUsername, &rec.DBName, &rec.DBPasswordEncrypted, &rec.ProvisioningStatus,
			&rec.ProvisioningError, &rec.ProvisioningAttempts, &rec.ProvisionedAt, &rec.IsActive,
			&rec.CreatedAt, &total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// Delete removes a tenant row outright. Used only as compensation when job
// enqueueing fails during creation, and for explicit teardown.
func (s *TenantStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE tenant_id = $1", TenantsTable), id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProvisioningStatus moves a tenant to the given non-terminal status.
func (s *TenantStore) SetProvisioningStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := fmt.Sprintf("UPDATE %s SET provisioning_status = $2 WHERE tenant_id = $1", TenantsTable)
	return s.exec(ctx, query, id, status)
}

// MarkCompleted finalizes a successful provisioning run. is_active only ever
// becomes true here, preserving the registry invariant.
func (s *TenantStore) MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			provisioning_status = 'completed',
			provisioning_error = NULL,
			provisioned_at = $2,
			is_active = TRUE
		WHERE tenant_id = $1`, TenantsTable)
	return s.exec(ctx, query, id, provisionedAt)
}

// RecordFailure notes one failed attempt without deciding whether the tenant
// is terminally failed; that call is MarkFailed, made once no retries remain.
func (s *TenantStore) RecordFailure(ctx context.Context, id uuid.UUID, cause string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			provisioning_attempts = provisioning_attempts + 1,
			provisioning_error = $2
		WHERE tenant_id = $1`, TenantsTable)
	return s.exec(ctx, query, id, cause)
}

// MarkFailed records the terminal failure outcome.
func (s *TenantStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			provisioning_status = 'failed',
			provisioning_error = $2,
			is_active = FALSE
		WHERE tenant_id = $1`, TenantsTable)
	return s.exec(ctx, query, id, cause)
}

// ResetForRetry returns a failed tenant to pending ahead of manual re-enqueue.
func (s *TenantStore) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			provisioning_status = 'pending',
			provisioning_error = NULL
		WHERE tenant_id = $1`, TenantsTable)
	return s.exec(ctx, query, id)
}

func (s *TenantStore) one(ctx context.Context, query string, arg any) (TenantRecord, error) {
	rec, err := scanTenantRecord(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TenantRecord{}, ErrNotFound
		}
		return TenantRecord{}, err
	}
	return rec, nil
}

func (s *TenantStore) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTenantRecord(row pgx.Row) (TenantRecord, error) {
	var rec TenantRecord
	err := row.Scan(
		&rec.TenantID, &rec.Slug, &rec.CompanyName, &rec.AdminEmail, &rec.DBHost, &rec.DBPort,
		&rec.DBUsername, &rec.DBName, &rec.DBPasswordEncrypted, &rec.ProvisioningStatus,
		&rec.ProvisioningError, &rec.ProvisioningAttempts, &rec.ProvisionedAt, &rec.IsActive,
		&rec.CreatedAt,
	)
	return rec, err
}

package provisioning

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sqlassets "github.com/atriumhq/atrium-saas/database"
	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/tenant"
)

// PostgresDriver provisions one physical database plus an owning role per
// tenant on a shared Postgres server. The admin pool points at a maintenance
// database (usually postgres); per-tenant work that has to run inside the new
// database opens a short-lived direct connection instead.
type PostgresDriver struct {
	admin    *pgxpool.Pool
	adminDSN string
}

// NewPostgresDriver constructs a driver. adminDSN must carry superuser (or
// CREATEDB/CREATEROLE) credentials for the tenant database server.
func NewPostgresDriver(admin *pgxpool.Pool, adminDSN string) *PostgresDriver {
	if admin == nil {
		panic("postgres driver requires admin pool")
	}
	if strings.TrimSpace(adminDSN) == "" {
		panic("postgres driver requires admin dsn")
	}
	return &PostgresDriver{admin: admin, adminDSN: adminDSN}
}

// CreateDatabase ensures the tenant role and database exist and that the role
// owns its database. Both halves are existence-guarded, so a retried attempt
// walks through whatever a previous crash left behind.
func (d *PostgresDriver) CreateDatabase(ctx context.Context, cfg service.DatabaseConfig) error {
	step := string(service.ProgressStatusCreatingDB)

	var roleExists bool
	if err := d.admin.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", cfg.Username).Scan(&roleExists); err != nil {
		return &service.StepError{Step: step, Err: fmt.Errorf("check role: %w", err)}
	}
	if !roleExists {
		stmt := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s",
			pgx.Identifier{cfg.Username}.Sanitize(), quoteLiteral(cfg.Password))
		if _, err := d.admin.Exec(ctx, stmt); err != nil {
			return &service.StepError{Step: step, Err: fmt.Errorf("create role: %w", err)}
		}
	} else if cfg.Password != "" {
		// Role survived a failed attempt; realign its password with the vault.
		stmt := fmt.Sprintf("ALTER ROLE %s WITH LOGIN PASSWORD %s",
			pgx.Identifier{cfg.Username}.Sanitize(), quoteLiteral(cfg.Password))
		if _, err := d.admin.Exec(ctx, stmt); err != nil {
			return &service.StepError{Step: step, Err: fmt.Errorf("reset role password: %w", err)}
		}
	}

	exists, err := d.DatabaseExists(ctx, cfg.Database)
	if err != nil {
		return &service.StepError{Step: step, Err: err}
	}
	if !exists {
		// CREATE DATABASE cannot run inside a transaction block.
		stmt := fmt.Sprintf("CREATE DATABASE %s OWNER %s",
			pgx.Identifier{cfg.Database}.Sanitize(), pgx.Identifier{cfg.Username}.Sanitize())
		if _, err := d.admin.Exec(ctx, stmt); err != nil {
			return &service.StepError{Step: step, Err: fmt.Errorf("create database: %w", err)}
		}
	}

	grant := fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
		pgx.Identifier{cfg.Database}.Sanitize(), pgx.Identifier{cfg.Username}.Sanitize())
	if _, err := d.admin.Exec(ctx, grant); err != nil {
		return &service.StepError{Step: step, Err: fmt.Errorf("grant database privileges: %w", err)}
	}
	return nil
}

// RunMigration applies the base tenant schema inside the tenant database and
// hands ownership of the created objects to the tenant role. The schema file
// only contains guarded statements, so re-running it is a no-op.
func (d *PostgresDriver) RunMigration(ctx context.Context, cfg service.DatabaseConfig) error {
	step := string(service.ProgressStatusMigrating)

	conn, err := d.connect(ctx, cfg.Database)
	if err != nil {
		return &service.StepError{Step: step, Err: err}
	}
	defer conn.Close(ctx) // nolint:errcheck

	if _, err := conn.Exec(ctx, sqlassets.TenantSchemaSQL); err != nil {
		return &service.StepError{Step: step, Err: fmt.Errorf("apply tenant schema: %w", err)}
	}

	role := pgx.Identifier{cfg.Username}.Sanitize()
	for _, stmt := range []string{
		fmt.Sprintf("GRANT ALL ON SCHEMA public TO %s", role),
		fmt.Sprintf("GRANT ALL ON ALL TABLES IN SCHEMA public TO %s", role),
		fmt.Sprintf("GRANT ALL ON ALL SEQUENCES IN SCHEMA public TO %s", role),
		fmt.Sprintf("ALTER DEFAULT PRIVILEGES IN SCHEMA public GRANT ALL ON TABLES TO %s", role),
	} {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return &service.StepError{Step: step, Err: fmt.Errorf("grant schema privileges: %w", err)}
		}
	}
	return nil
}

// CreateInitialUser inserts the tenant admin account. The account is created
// inactive and switched on during finalization, after every step has verified.
func (d *PostgresDriver) CreateInitialUser(ctx context.Context, cfg service.DatabaseConfig, admin service.AdminIdentity) error {
	step := string(service.ProgressStatusCreatingUser)

	conn, err := d.connect(ctx, cfg.Database)
	if err != nil {
		return &service.StepError{Step: step, Err: err}
	}
	defer conn.Close(ctx) // nolint:errcheck

	_, err = conn.Exec(ctx, `
		INSERT INTO users (email, password_hash, first_name, last_name, role, is_active)
		VALUES ($1, $2, $3, $4, 'admin', FALSE)
		ON CONFLICT (email) DO NOTHING`,
		admin.Email, admin.PasswordHash, admin.FirstName, admin.LastName)
	if err != nil {
		return &service.StepError{Step: step, Err: fmt.Errorf("insert admin user: %w", err)}
	}
	return nil
}

// ActivateInitialUser flips the admin account on once provisioning finished.
func (d *PostgresDriver) ActivateInitialUser(ctx context.Context, cfg service.DatabaseConfig, email string) error {
	conn, err := d.connect(ctx, cfg.Database)
	if err != nil {
		return &service.StepError{Step: "activating_initial_user", Err: err}
	}
	defer conn.Close(ctx) // nolint:errcheck

	if _, err := conn.Exec(ctx,
		"UPDATE users SET is_active = TRUE, updated_at = now() WHERE email = $1", email); err != nil {
		return &service.StepError{Step: "activating_initial_user", Err: fmt.Errorf("activate admin user: %w", err)}
	}
	return nil
}

// DatabaseExists reports whether the named database is present on the server.
func (d *PostgresDriver) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := d.admin.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check database: %w", err)
	}
	return exists, nil
}

// DeleteDatabase drops the tenant database and role. Open sessions are
// terminated first; DROP DATABASE refuses to run while anyone is connected.
func (d *PostgresDriver) DeleteDatabase(ctx context.Context, cfg service.DatabaseConfig) error {
	if _, err := d.admin.Exec(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, cfg.Database); err != nil {
		return fmt.Errorf("terminate tenant sessions: %w", err)
	}

	drop := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{cfg.Database}.Sanitize())
	if _, err := d.admin.Exec(ctx, drop); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}

	role := cfg.Username
	if role == "" {
		role = tenant.BuildRoleName(cfg.Database)
	}
	dropRole := fmt.Sprintf("DROP ROLE IF EXISTS %s", pgx.Identifier{role}.Sanitize())
	if _, err := d.admin.Exec(ctx, dropRole); err != nil {
		return fmt.Errorf("drop role: %w", err)
	}
	return nil
}

// connect opens a direct admin connection into the given database.
func (d *PostgresDriver) connect(ctx context.Context, database string) (*pgx.Conn, error) {
	connCfg, err := pgx.ParseConfig(d.adminDSN)
	if err != nil {
		return nil, fmt.Errorf("parse admin dsn: %w", err)
	}
	connCfg.Database = database

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", database, err)
	}
	return conn, nil
}

// quoteLiteral renders a SQL string literal. Passwords cannot travel as bind
// parameters inside CREATE/ALTER ROLE, so the literal is escaped by hand.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

var _ service.Driver = (*PostgresDriver)(nil)

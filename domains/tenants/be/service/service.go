package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	tenantnames "github.com/atriumhq/atrium-saas/platform/go/tenant"
	"github.com/atriumhq/atrium-saas/platform/go/vault"
)

// Errors returned by the service layer.
var (
	ErrNotFound     = errors.New("tenant not found")
	ErrConflictSlug = errors.New("tenant slug already exists")
	ErrNotRetryable = errors.New("tenant is not in a failed state")
)

// Status is the coarse-grained provisioning state persisted on the registry.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProvisioning Status = "provisioning"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// StatusFromString converts a stored string to Status; defaults to pending on
// unknown values.
func StatusFromString(s string) Status {
	switch Status(s) {
	case StatusPending, StatusProvisioning, StatusCompleted, StatusFailed:
		return Status(s)
	default:
		return StatusPending
	}
}

// Tenant is the registry entry for one customer organization.
type Tenant struct {
	ID                   uuid.UUID
	Slug                 string
	CompanyName          string
	AdminEmail           string
	DBHost               string
	DBPort               int
	DBUsername           string
	DBName               string
	DBPasswordEncrypted  string
	ProvisioningStatus   Status
	ProvisioningError    *string
	ProvisioningAttempts int
	ProvisionedAt        *time.Time
	IsActive             bool
	CreatedAt            time.Time
}

// CreateInput is the request to register a tenant. The admin password arrives
// already hashed; the plaintext never crosses the service boundary.
type CreateInput struct {
	Slug              string
	CompanyName       string
	AdminEmail        string
	AdminPasswordHash string
	AdminFirstName    *string
	AdminLastName     *string
}

// ListOptions captures filters and pagination.
type ListOptions struct {
	Page     int
	PageSize int
	Status   *Status
}

// ListResult wraps paginated tenants.
type ListResult struct {
	Tenants    []Tenant
	Page       int
	PageSize   int
	TotalItems int
	TotalPages int
}

// Repository abstracts registry persistence.
type Repository interface {
	Create(ctx context.Context, t Tenant) (Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (Tenant, error)
	FindBySlug(ctx context.Context, slug string) (Tenant, error)
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetProvisioningStatus(ctx context.Context, id uuid.UUID, status Status) error
	MarkCompleted(ctx context.Context, id uuid.UUID, provisionedAt time.Time) error
	RecordFailure(ctx context.Context, id uuid.UUID, cause string) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error
	ResetForRetry(ctx context.Context, id uuid.UUID) error
}

// Config carries the environment identity and the target database server that
// tenant databases are created on.
type Config struct {
	EnvKey           string
	TenantDBHost     string
	TenantDBPort     int
	TenantDBUsername string // informational; the per-tenant role is derived from the db name
}

// Service provides tenant registry operations and fronts the provisioning
// subsystem.
type Service struct {
	repo     Repository
	queue    jobqueue.Queue
	vault    *vault.Vault
	progress ProgressStore
	driver   Driver
	cfg      Config
}

// New constructs a Service with required dependencies.
func New(repo Repository, queue jobqueue.Queue, v *vault.Vault, progress ProgressStore, driver Driver, cfg Config) *Service {
	if repo == nil {
		panic("tenants repo is required")
	}
	if queue == nil {
		panic("job queue is required")
	}
	if v == nil {
		panic("credential vault is required")
	}
	if progress == nil {
		panic("progress store is required")
	}
	if driver == nil {
		panic("provisioning driver is required")
	}
	if cfg.EnvKey == "" {
		panic("env key is required")
	}
	return &Service{repo: repo, queue: queue, vault: v, progress: progress, driver: driver, cfg: cfg}
}

// Create registers a tenant and enqueues its provisioning job. The registry
// row is inserted pending; if the job cannot be enqueued the row is deleted
// again, since no external database work has started yet.
func (s *Service) Create(ctx context.Context, input CreateInput) (Tenant, error) {
	id := uuid.New()
	dbName := tenantnames.BuildDatabaseName(input.Slug, s.cfg.EnvKey)

	payload := jobqueue.Payload{
		TenantID:          id,
		Slug:              input.Slug,
		DBName:            dbName,
		AdminEmail:        input.AdminEmail,
		AdminPasswordHash: input.AdminPasswordHash,
		AdminFirstName:    input.AdminFirstName,
		AdminLastName:     input.AdminLastName,
		CompanyName:       input.CompanyName,
	}
	if err := jobqueue.ValidatePayload(payload); err != nil {
		return Tenant{}, err
	}

	password, err := s.vault.Generate()
	if err != nil {
		return Tenant{}, fmt.Errorf("generate tenant password: %w", err)
	}
	encrypted, err := s.vault.Encrypt(password)
	if err != nil {
		return Tenant{}, fmt.Errorf("encrypt tenant password: %w", err)
	}

	t := Tenant{
		ID:                  id,
		Slug:                input.Slug,
		CompanyName:         input.CompanyName,
		AdminEmail:          input.AdminEmail,
		DBHost:              s.cfg.TenantDBHost,
		DBPort:              s.cfg.TenantDBPort,
		DBUsername:          tenantnames.BuildRoleName(dbName),
		DBName:              dbName,
		DBPasswordEncrypted: encrypted,
		ProvisioningStatus:  StatusPending,
		IsActive:            false,
		CreatedAt:           time.Now().UTC(),
	}

	created, err := s.repo.Create(ctx, t)
	if err != nil {
		return Tenant{}, err
	}

	if _, err := s.queue.Enqueue(ctx, payload); err != nil {
		// No external work has happened; roll the registry row back outright.
		if delErr := s.repo.Delete(ctx, created.ID); delErr != nil {
			return Tenant{}, fmt.Errorf("enqueue provisioning job: %w (rollback failed: %v)", err, delErr)
		}
		return Tenant{}, fmt.Errorf("enqueue provisioning job: %w", err)
	}

	return created, nil
}

// Get returns a tenant by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Tenant, error) {
	return s.repo.Get(ctx, id)
}

// FindBySlug returns a tenant by its slug.
func (s *Service) FindBySlug(ctx context.Context, slug string) (Tenant, error) {
	return s.repo.FindBySlug(ctx, slug)
}

// List tenants with optional status filter.
func (s *Service) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	return s.repo.List(ctx, opts)
}

// Status reconciles the ephemeral progress record, the queue metadata and the
// durable registry into one client-facing view. The progress record wins while
// it exists; the registry covers the window after its TTL expiry.
func (s *Service) Status(ctx context.Context, tenantID uuid.UUID) (StatusView, error) {
	view := StatusView{TenantID: tenantID, MaxAttempts: jobqueue.DefaultMaxAttempts}

	if job, err := s.queue.LatestByTenant(ctx, tenantID); err == nil {
		jobID := job.ID
		view.JobID = &jobID
		view.Attempts = job.Attempts
		view.MaxAttempts = job.MaxAttempts
		view.NextRetryAt = job.NextRetryAt()
	} else if !errors.Is(err, jobqueue.ErrNotFound) {
		return StatusView{}, fmt.Errorf("load provisioning job: %w", err)
	}

	progress, ok, err := s.progress.Get(ctx, tenantID)
	if err != nil {
		return StatusView{}, fmt.Errorf("load progress record: %w", err)
	}
	if ok {
		view.Status = progress.Status
		view.Progress = progress.Progress
		if progress.CurrentStep != "" {
			step := progress.CurrentStep
			view.CurrentStep = &step
		}
		view.Error = progress.Error
		startedAt := progress.StartedAt
		view.StartedAt = &startedAt
		view.CompletedAt = progress.CompletedAt
		return view, nil
	}

	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			view.Status = ProgressStatusNotFound
			view.Progress = 0
			return view, nil
		}
		return StatusView{}, err
	}

	view.Status = ProgressStatus(t.ProvisioningStatus)
	view.Error = t.ProvisioningError
	view.CompletedAt = t.ProvisionedAt
	if t.ProvisioningStatus == StatusCompleted {
		view.Progress = 100
	}
	if view.Attempts == 0 {
		view.Attempts = t.ProvisioningAttempts
	}
	return view, nil
}

// RetryProvisioning re-enqueues a terminally failed tenant using the payload of
// its last job. Retrying is an explicit operator decision; the subsystem never
// does it on its own once attempts are exhausted.
func (s *Service) RetryProvisioning(ctx context.Context, tenantID uuid.UUID) (jobqueue.Job, error) {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return jobqueue.Job{}, err
	}
	if t.ProvisioningStatus != StatusFailed {
		return jobqueue.Job{}, ErrNotRetryable
	}

	last, err := s.queue.LatestByTenant(ctx, tenantID)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("load last provisioning job: %w", err)
	}

	// Enqueue before touching the registry: if the queue is unavailable the
	// tenant stays failed and the retry can simply be issued again.
	job, err := s.queue.Enqueue(ctx, last.Payload)
	if err != nil {
		return jobqueue.Job{}, fmt.Errorf("re-enqueue provisioning job: %w", err)
	}

	if err := s.repo.ResetForRetry(ctx, tenantID); err != nil {
		return jobqueue.Job{}, err
	}
	return job, nil
}

// Teardown drops the tenant database and role and removes the registry row.
// Like retry, this is an explicit administrative operation; exhausted retries
// never trigger it automatically, so a partially provisioned database stays
// available for diagnosis.
func (s *Service) Teardown(ctx context.Context, tenantID uuid.UUID) error {
	t, err := s.repo.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	cfg := DatabaseConfig{
		Host:     t.DBHost,
		Port:     t.DBPort,
		Username: t.DBUsername,
		Database: t.DBName,
	}
	if err := s.driver.DeleteDatabase(ctx, cfg); err != nil {
		return fmt.Errorf("teardown tenant database: %w", err)
	}

	_ = s.progress.Delete(ctx, tenantID)
	return s.repo.Delete(ctx, tenantID)
}

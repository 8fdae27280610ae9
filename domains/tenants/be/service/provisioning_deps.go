package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DatabaseConfig is the transient connection description for one tenant
// database. It is rebuilt for every driver invocation from the registry row
// plus vault decryption and never cached beyond a single job execution.
type DatabaseConfig struct {
	Host     string
	Port     int
	Username string
	Database string
	Password string
}

// AdminIdentity describes the first administrative account created inside a
// freshly provisioned tenant database.
type AdminIdentity struct {
	Email        string
	PasswordHash string
	FirstName    *string
	LastName     *string
}

// Driver issues the actual infrastructure operations against the target
// database engine. Every operation must be safe to re-run: the queue retries
// whole attempts, not individual steps.
type Driver interface {
	CreateDatabase(ctx context.Context, cfg DatabaseConfig) error
	RunMigration(ctx context.Context, cfg DatabaseConfig) error
	CreateInitialUser(ctx context.Context, cfg DatabaseConfig, admin AdminIdentity) error
	ActivateInitialUser(ctx context.Context, cfg DatabaseConfig, email string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	DeleteDatabase(ctx context.Context, cfg DatabaseConfig) error
}

// StepError wraps any driver failure with the step it happened in, so the
// worker and the registry report accurate causes. Drivers never swallow
// failures; the retry loop depends on them propagating.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("provisioning step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// VerificationError reports an existence-check gate that came back false after
// a step claimed success.
type VerificationError struct {
	Step string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification after step %s failed: database does not exist", e.Step)
}

// ProgressStatus is the finer-grained state machine mirrored into the
// ephemeral progress store while a job runs.
type ProgressStatus string

const (
	ProgressStatusPending      ProgressStatus = "pending"
	ProgressStatusProvisioning ProgressStatus = "provisioning"
	ProgressStatusCreatingDB   ProgressStatus = "creating_database"
	ProgressStatusMigrating    ProgressStatus = "running_migrations"
	ProgressStatusCreatingUser ProgressStatus = "creating_initial_user"
	ProgressStatusCompleted    ProgressStatus = "completed"
	ProgressStatusFailed       ProgressStatus = "failed"
	ProgressStatusNotFound     ProgressStatus = "not_found"
)

// ProgressFor maps a progress status onto its percentage.
func ProgressFor(status ProgressStatus) int {
	switch status {
	case ProgressStatusCreatingDB:
		return 10
	case ProgressStatusMigrating:
		return 50
	case ProgressStatusCreatingUser:
		return 80
	case ProgressStatusCompleted:
		return 100
	default:
		return 0
	}
}

// Progress is the ephemeral provisioning record kept for low-latency polling.
// It always carries a bounded TTL so a crashed worker cannot leave stale
// in-progress state behind forever.
type Progress struct {
	Status      ProgressStatus `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep string         `json:"currentStep"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// ProgressStore is the ephemeral, TTL-bounded progress record store.
type ProgressStore interface {
	Set(ctx context.Context, tenantID uuid.UUID, p Progress) error
	Get(ctx context.Context, tenantID uuid.UUID) (Progress, bool, error)
	Delete(ctx context.Context, tenantID uuid.UUID) error
}

// StatusView is the reconciled, client-facing provisioning status.
type StatusView struct {
	TenantID    uuid.UUID      `json:"tenantId"`
	Status      ProgressStatus `json:"status"`
	Progress    int            `json:"progress"`
	CurrentStep *string        `json:"currentStep,omitempty"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	JobID       *uuid.UUID     `json:"jobId,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	NextRetryAt *time.Time     `json:"nextRetryAt,omitempty"`
}

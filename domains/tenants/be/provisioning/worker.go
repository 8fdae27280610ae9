package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	"github.com/atriumhq/atrium-saas/platform/go/vault"
)

// Worker defaults.
const (
	DefaultPollInterval       = time.Second
	DefaultStepTimeout        = 2 * time.Minute
	DefaultCompletedRetention = 12 * time.Second
)

// WorkerConfig wires the worker's collaborators. Pool-style tuning knobs fall
// back to the package defaults when zero.
type WorkerConfig struct {
	Queue    jobqueue.Queue
	Repo     service.Repository
	Driver   service.Driver
	Progress service.ProgressStore
	Vault    *vault.Vault
	Logger   *zap.Logger

	PollInterval time.Duration
	StepTimeout  time.Duration
	// CompletedRetention is how long the completed progress record stays
	// readable before the worker removes it and polling clients fall back to
	// the registry row.
	CompletedRetention time.Duration
}

// Worker drains the provisioning queue and drives the step state machine for
// each job. Several workers can run against the same queue; job delivery is
// exclusive per attempt.
type Worker struct {
	queue    jobqueue.Queue
	repo     service.Repository
	driver   service.Driver
	progress service.ProgressStore
	vault    *vault.Vault
	log      *zap.Logger

	pollInterval       time.Duration
	stepTimeout        time.Duration
	completedRetention time.Duration
}

// NewWorker constructs a Worker with required dependencies.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Queue == nil {
		panic("worker requires queue")
	}
	if cfg.Repo == nil {
		panic("worker requires repo")
	}
	if cfg.Driver == nil {
		panic("worker requires driver")
	}
	if cfg.Progress == nil {
		panic("worker requires progress store")
	}
	if cfg.Vault == nil {
		panic("worker requires vault")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = DefaultCompletedRetention
	}
	return &Worker{
		queue:              cfg.Queue,
		repo:               cfg.Repo,
		driver:             cfg.Driver,
		progress:           cfg.Progress,
		vault:              cfg.Vault,
		log:                cfg.Logger,
		pollInterval:       cfg.PollInterval,
		stepTimeout:        cfg.StepTimeout,
		completedRetention: cfg.CompletedRetention,
	}
}

// Run polls the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Error("provisioning poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drains everything currently due, then returns. Exposed so tests and
// the CLI can step the worker deterministically.
func (w *Worker) RunOnce(ctx context.Context) error {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if job == nil {
			return nil
		}
		w.process(ctx, *job)
	}
}

func (w *Worker) process(ctx context.Context, job jobqueue.Job) {
	log := w.log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", job.TenantID.String()),
		zap.Int("attempt", job.Attempts+1),
	)
	log.Info("provisioning attempt started", zap.String("db_name", job.Payload.DBName))

	startedAt := time.Now().UTC()
	if err := w.execute(ctx, job, startedAt); err != nil {
		w.fail(ctx, job, startedAt, err, log)
		return
	}

	if _, err := w.queue.Complete(ctx, job.ID); err != nil {
		log.Error("mark job completed failed", zap.Error(err))
	}
	log.Info("provisioning attempt succeeded")
}

// execute runs one full provisioning attempt. Progress is written before each
// step; every step is followed by an existence check so a silently broken
// CREATE never reaches the completed state.
func (w *Worker) execute(ctx context.Context, job jobqueue.Job, startedAt time.Time) error {
	t, err := w.repo.Get(ctx, job.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}

	password, err := w.vault.Decrypt(t.DBPasswordEncrypted)
	if err != nil {
		return fmt.Errorf("decrypt tenant credentials: %w", err)
	}

	dbCfg := service.DatabaseConfig{
		Host:     t.DBHost,
		Port:     t.DBPort,
		Username: t.DBUsername,
		Database: t.DBName,
		Password: password,
	}

	if err := w.repo.SetProvisioningStatus(ctx, job.TenantID, service.StatusProvisioning); err != nil {
		return fmt.Errorf("mark tenant provisioning: %w", err)
	}
	w.setProgress(ctx, job.TenantID, service.ProgressStatusProvisioning, "starting", startedAt)

	steps := []struct {
		status service.ProgressStatus
		run    func(context.Context) error
	}{
		{service.ProgressStatusCreatingDB, func(c context.Context) error {
			return w.driver.CreateDatabase(c, dbCfg)
		}},
		{service.ProgressStatusMigrating, func(c context.Context) error {
			return w.driver.RunMigration(c, dbCfg)
		}},
		{service.ProgressStatusCreatingUser, func(c context.Context) error {
			return w.driver.CreateInitialUser(c, dbCfg, service.AdminIdentity{
				Email:        job.Payload.AdminEmail,
				PasswordHash: job.Payload.AdminPasswordHash,
				FirstName:    job.Payload.AdminFirstName,
				LastName:     job.Payload.AdminLastName,
			})
		}},
	}

	for _, step := range steps {
		w.setProgress(ctx, job.TenantID, step.status, string(step.status), startedAt)

		stepCtx, cancel := context.WithTimeout(ctx, w.stepTimeout)
		err := step.run(stepCtx)
		cancel()
		if err != nil {
			return err
		}

		exists, err := w.driver.DatabaseExists(ctx, dbCfg.Database)
		if err != nil {
			return fmt.Errorf("verify database after %s: %w", step.status, err)
		}
		if !exists {
			return &service.VerificationError{Step: string(step.status)}
		}
	}

	return w.finalize(ctx, job, dbCfg, startedAt)
}

// finalize runs only after every step verified: activate the admin account,
// flip the registry row to completed and leave a short-lived completed
// progress record for pollers that were mid-flight.
func (w *Worker) finalize(ctx context.Context, job jobqueue.Job, dbCfg service.DatabaseConfig, startedAt time.Time) error {
	if err := w.driver.ActivateInitialUser(ctx, dbCfg, job.Payload.AdminEmail); err != nil {
		return err
	}

	completedAt := time.Now().UTC()
	if err := w.repo.MarkCompleted(ctx, job.TenantID, completedAt); err != nil {
		return fmt.Errorf("mark tenant completed: %w", err)
	}

	done := service.Progress{
		Status:      service.ProgressStatusCompleted,
		Progress:    service.ProgressFor(service.ProgressStatusCompleted),
		CurrentStep: "done",
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}
	if err := w.progress.Set(ctx, job.TenantID, done); err != nil {
		w.log.Warn("store completed progress failed", zap.Error(err))
	}

	// Best-effort: if the process exits before the timer fires, the store TTL
	// expires the record instead.
	tenantID := job.TenantID
	time.AfterFunc(w.completedRetention, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.progress.Delete(cleanupCtx, tenantID); err != nil {
			w.log.Warn("delete completed progress failed", zap.Error(err))
		}
	})
	return nil
}

// fail records the attempt failure everywhere it is visible: progress record,
// registry attempt counter and the queue. When the queue declares the job
// terminally failed the registry row goes failed too and the progress record
// is dropped, making the registry the source of truth for the post-mortem.
func (w *Worker) fail(ctx context.Context, job jobqueue.Job, startedAt time.Time, cause error, log *zap.Logger) {
	msg := cause.Error()
	log.Error("provisioning attempt failed", zap.Error(cause))

	failed := service.Progress{
		Status:      service.ProgressStatusFailed,
		Progress:    service.ProgressFor(service.ProgressStatusFailed),
		CurrentStep: stepOf(cause),
		Error:       &msg,
		StartedAt:   startedAt,
	}
	if err := w.progress.Set(ctx, job.TenantID, failed); err != nil {
		log.Warn("store failed progress failed", zap.Error(err))
	}

	if err := w.repo.RecordFailure(ctx, job.TenantID, msg); err != nil {
		log.Warn("record tenant failure failed", zap.Error(err))
	}

	updated, err := w.queue.Fail(ctx, job.ID, msg)
	if err != nil {
		log.Error("record failed attempt failed", zap.Error(err))
		return
	}

	if updated.Status == jobqueue.StatusFailed {
		// Attempts exhausted. The database, if any, is deliberately left in
		// place for inspection; teardown is an explicit operator action.
		if err := w.repo.MarkFailed(ctx, job.TenantID, msg); err != nil {
			log.Error("mark tenant failed failed", zap.Error(err))
		}
		if err := w.progress.Delete(ctx, job.TenantID); err != nil {
			log.Warn("delete progress after terminal failure failed", zap.Error(err))
		}
		log.Error("provisioning exhausted retries", zap.Int("attempts", updated.Attempts))
		return
	}

	if next := updated.NextRetryAt(); next != nil {
		log.Info("provisioning retry scheduled", zap.Time("next_retry_at", *next))
	}
}

func (w *Worker) setProgress(ctx context.Context, tenantID uuid.UUID, status service.ProgressStatus, step string, startedAt time.Time) {
	p := service.Progress{
		Status:      status,
		Progress:    service.ProgressFor(status),
		CurrentStep: step,
		StartedAt:   startedAt,
	}
	if err := w.progress.Set(ctx, tenantID, p); err != nil {
		w.log.Warn("store progress failed",
			zap.String("tenant_id", tenantID.String()), zap.Error(err))
	}
}

// stepOf extracts the failing step name for the progress record.
func stepOf(err error) string {
	var stepErr *service.StepError
	if errors.As(err, &stepErr) {
		return stepErr.Step
	}
	var verErr *service.VerificationError
	if errors.As(err, &verErr) {
		return verErr.Step
	}
	return ""
}

package tenantcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/atriumhq/atrium-saas/domains/tenants/be/provisioning"
	"github.com/atriumhq/atrium-saas/domains/tenants/be/repo"
	"github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	"github.com/atriumhq/atrium-saas/platform/go/persistence"
	"github.com/atriumhq/atrium-saas/platform/go/vault"
)

// Command groups tenant-related helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Tenant utilities (create/retry/teardown/status)",
	}

	cmd.AddCommand(createCommand())
	cmd.AddCommand(retryCommand())
	cmd.AddCommand(teardownCommand())
	cmd.AddCommand(statusCommand())
	return cmd
}

// connFlags are the connection options shared by every tenant subcommand.
type connFlags struct {
	databaseURL       string
	tenantDatabaseURL string
	redisAddr         string
	envKey            string
	masterKey         string
}

func (f *connFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&f.databaseURL, "database-url", os.Getenv("DATABASE_URL"), "control-plane database URL")
	c.Flags().StringVar(&f.tenantDatabaseURL, "tenant-database-url", os.Getenv("TENANT_DATABASE_URL"), "tenant database server URL (CREATEDB privileges)")
	c.Flags().StringVar(&f.redisAddr, "redis-addr", os.Getenv("REDIS_ADDR"), "redis address for progress records (optional)")
	c.Flags().StringVar(&f.envKey, "env-key", os.Getenv("ENV_KEY"), "environment key (dev/staging/prod)")
	c.Flags().StringVar(&f.masterKey, "master-key", os.Getenv("MASTER_ENCRYPTION_KEY"), "vault master encryption key")
}

type wiring struct {
	svc    *service.Service
	worker *provisioning.Worker
	close  func()
}

// wire builds the full provisioning stack the same way the API server does, so
// CLI operations observe identical semantics.
func wire(ctx context.Context, f connFlags) (*wiring, error) {
	if f.databaseURL == "" || f.tenantDatabaseURL == "" || f.envKey == "" {
		return nil, fmt.Errorf("--database-url, --tenant-database-url and --env-key are required")
	}

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: f.databaseURL})
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}

	tenantPool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: f.tenantDatabaseURL})
	if err != nil {
		persistence.ClosePool(pool)
		return nil, fmt.Errorf("init tenant server pool: %w", err)
	}

	closers := func() {
		persistence.ClosePool(tenantPool)
		persistence.ClosePool(pool)
	}

	tenantStore, err := persistence.NewTenantStore(ctx, pool)
	if err != nil {
		closers()
		return nil, fmt.Errorf("init tenant store: %w", err)
	}
	tenantRepo := repo.NewPostgresRepository(tenantStore)

	queue, err := jobqueue.NewPostgresQueue(ctx, jobqueue.PostgresConfig{Pool: pool})
	if err != nil {
		closers()
		return nil, fmt.Errorf("init job queue: %w", err)
	}

	var progress service.ProgressStore
	if f.redisAddr != "" {
		progress = provisioning.NewRedisProgressStore(redis.NewClient(&redis.Options{Addr: f.redisAddr}), 0)
	} else {
		progress = provisioning.NewMemoryProgressStore(0)
	}

	driver := provisioning.NewPostgresDriver(tenantPool, f.tenantDatabaseURL)
	credVault := vault.New(f.masterKey)

	tenantConn, err := pgx.ParseConfig(f.tenantDatabaseURL)
	if err != nil {
		closers()
		return nil, fmt.Errorf("parse tenant server dsn: %w", err)
	}

	svc := service.New(tenantRepo, queue, credVault, progress, driver, service.Config{
		EnvKey:           f.envKey,
		TenantDBHost:     tenantConn.Host,
		TenantDBPort:     int(tenantConn.Port),
		TenantDBUsername: tenantConn.User,
	})

	worker := provisioning.NewWorker(provisioning.WorkerConfig{
		Queue:    queue,
		Repo:     tenantRepo,
		Driver:   driver,
		Progress: progress,
		Vault:    credVault,
	})

	return &wiring{svc: svc, worker: worker, close: closers}, nil
}

func createCommand() *cobra.Command {
	var (
		flags       connFlags
		slug        string
		companyName string
		adminEmail  string
		provision   bool
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant and enqueue its provisioning job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			fmt.Fprint(os.Stderr, "admin password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if len(password) < 8 {
				return fmt.Errorf("admin password must be at least 8 characters")
			}

			hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			w, err := wire(ctx, flags)
			if err != nil {
				return err
			}
			defer w.close()

			t, err := w.svc.Create(ctx, service.CreateInput{
				Slug:              slug,
				CompanyName:       companyName,
				AdminEmail:        adminEmail,
				AdminPasswordHash: string(hash),
			})
			if err != nil {
				return fmt.Errorf("create tenant: %w", err)
			}

			fmt.Printf("tenant %s registered (db %s)\n", t.ID, t.DBName)

			if provision {
				fmt.Println("provisioning...")
				if err := w.worker.RunOnce(ctx); err != nil {
					return fmt.Errorf("run provisioning: %w", err)
				}
				final, err := w.svc.Get(ctx, t.ID)
				if err != nil {
					return err
				}
				fmt.Printf("provisioning finished: %s\n", final.ProvisioningStatus)
			}
			return nil
		},
	}

	flags.register(c)
	c.Flags().StringVar(&slug, "slug", "", "tenant slug (lowercase, hyphen separated)")
	c.Flags().StringVar(&companyName, "company-name", "", "company display name")
	c.Flags().StringVar(&adminEmail, "admin-email", "", "tenant admin email")
	c.Flags().BoolVar(&provision, "provision", false, "run the provisioning worker inline instead of leaving the job for the server")
	_ = c.MarkFlagRequired("slug")
	_ = c.MarkFlagRequired("company-name")
	_ = c.MarkFlagRequired("admin-email")
	return c
}

func retryCommand() *cobra.Command {
	var flags connFlags

	c := &cobra.Command{
		Use:   "retry <tenant-id>",
		Short: "Re-enqueue provisioning for a terminally failed tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			w, err := wire(ctx, flags)
			if err != nil {
				return err
			}
			defer w.close()

			job, err := w.svc.RetryProvisioning(ctx, id)
			if err != nil {
				return fmt.Errorf("retry provisioning: %w", err)
			}
			fmt.Printf("job %s enqueued (attempt budget %d)\n", job.ID, job.MaxAttempts)
			return nil
		},
	}

	flags.register(c)
	return c
}

func teardownCommand() *cobra.Command {
	var (
		flags connFlags
		yes   bool
	)

	c := &cobra.Command{
		Use:   "teardown <tenant-id>",
		Short: "Drop the tenant database and role and remove the registry row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			if !yes {
				return fmt.Errorf("teardown destroys the tenant database; re-run with --yes to confirm")
			}

			w, err := wire(ctx, flags)
			if err != nil {
				return err
			}
			defer w.close()

			if err := w.svc.Teardown(ctx, id); err != nil {
				return fmt.Errorf("teardown tenant: %w", err)
			}
			fmt.Printf("tenant %s torn down\n", id)
			return nil
		},
	}

	flags.register(c)
	c.Flags().BoolVar(&yes, "yes", false, "confirm destructive teardown")
	return c
}

func statusCommand() *cobra.Command {
	var flags connFlags

	c := &cobra.Command{
		Use:   "status <tenant-id>",
		Short: "Show the reconciled provisioning status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}

			w, err := wire(ctx, flags)
			if err != nil {
				return err
			}
			defer w.close()

			view, err := w.svc.Status(ctx, id)
			if err != nil {
				return fmt.Errorf("load status: %w", err)
			}

			out, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	flags.register(c)
	return c
}

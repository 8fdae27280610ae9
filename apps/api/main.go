package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	tenantshandler "github.com/atriumhq/atrium-saas/domains/tenants/be/handler"
	tenantsprov "github.com/atriumhq/atrium-saas/domains/tenants/be/provisioning"
	tenantsrepo "github.com/atriumhq/atrium-saas/domains/tenants/be/repo"
	tenantsservice "github.com/atriumhq/atrium-saas/domains/tenants/be/service"
	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	platformlogging "github.com/atriumhq/atrium-saas/platform/go/logging"
	platformmiddleware "github.com/atriumhq/atrium-saas/platform/go/middleware"
	"github.com/atriumhq/atrium-saas/platform/go/persistence"
	"github.com/atriumhq/atrium-saas/platform/go/vault"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	EnvKey          string        `env:"ENV_KEY,required"`

	// Control-plane database: tenant registry and job queue.
	DatabaseURL string `env:"DATABASE_URL,required"`
	// Tenant database server; needs CREATEDB/CREATEROLE privileges.
	TenantDatabaseURL string `env:"TENANT_DATABASE_URL,required"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	MasterEncryptionKey string `env:"MASTER_ENCRYPTION_KEY"`

	JobMaxAttempts     int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	JobBaseDelay       time.Duration `env:"JOB_BASE_DELAY" envDefault:"5s"`
	JobRetention       time.Duration `env:"JOB_RETENTION" envDefault:"24h"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	ProgressTTL        time.Duration `env:"PROGRESS_TTL" envDefault:"1h"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	tenantPool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.TenantDatabaseURL})
	if err != nil {
		logger.Fatal("init tenant server pool", zap.Error(err))
	}
	defer persistence.ClosePool(tenantPool)

	tenantConn, err := pgx.ParseConfig(cfg.TenantDatabaseURL)
	if err != nil {
		logger.Fatal("parse tenant server dsn", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		_ = redisClient.Close()
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}

	credVault := vault.New(cfg.MasterEncryptionKey)

	tenantStore, err := persistence.NewTenantStore(ctx, pool)
	if err != nil {
		logger.Fatal("init tenant store", zap.Error(err))
	}
	tenantRepo := tenantsrepo.NewPostgresRepository(tenantStore)

	queue, err := jobqueue.NewPostgresQueue(ctx, jobqueue.PostgresConfig{
		Pool:        pool,
		MaxAttempts: cfg.JobMaxAttempts,
		BaseDelay:   cfg.JobBaseDelay,
		Retention:   cfg.JobRetention,
		Hooks: jobqueue.Hooks{
			OnCompleted: func(job jobqueue.Job) {
				logger.Info("provisioning job completed",
					zap.String("job_id", job.ID.String()),
					zap.String("tenant_id", job.TenantID.String()))
			},
			OnFailed: func(job jobqueue.Job) {
				logger.Error("provisioning job failed terminally",
					zap.String("job_id", job.ID.String()),
					zap.String("tenant_id", job.TenantID.String()),
					zap.Int("attempts", job.Attempts))
			},
		},
	})
	if err != nil {
		logger.Fatal("init job queue", zap.Error(err))
	}

	progress := tenantsprov.NewRedisProgressStore(redisClient, cfg.ProgressTTL)
	driver := tenantsprov.NewPostgresDriver(tenantPool, cfg.TenantDatabaseURL)

	tenantService := tenantsservice.New(tenantRepo, queue, credVault, progress, driver, tenantsservice.Config{
		EnvKey:           cfg.EnvKey,
		TenantDBHost:     tenantConn.Host,
		TenantDBPort:     int(tenantConn.Port),
		TenantDBUsername: tenantConn.User,
	})
	tenantHTTPHandler := tenantshandler.New(tenantService, logger)

	worker := tenantsprov.NewWorker(tenantsprov.WorkerConfig{
		Queue:        queue,
		Repo:         tenantRepo,
		Driver:       driver,
		Progress:     progress,
		Vault:        credVault,
		Logger:       logger,
		PollInterval: cfg.WorkerPollInterval,
	})
	go worker.Run(ctx)

	// Terminal job rows are kept for a retention window, then swept hourly.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if purged, err := queue.PurgeExpired(ctx); err != nil {
					logger.Error("purge expired jobs", zap.Error(err))
				} else if purged > 0 {
					logger.Info("purged expired jobs", zap.Int64("count", purged))
				}
			}
		}
	}()

	rootRouter := chi.NewRouter()
	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	apiRouter := chi.NewRouter()
	tenantHTTPHandler.Routes(apiRouter)
	rootRouter.Mount("/api/v1", apiRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	cancel() // stop the worker and the purge loop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

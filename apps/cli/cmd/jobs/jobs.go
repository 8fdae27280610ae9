package jobscmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium-saas/platform/go/jobqueue"
	"github.com/atriumhq/atrium-saas/platform/go/persistence"
)

// Command groups job queue maintenance helpers.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Provisioning queue maintenance",
	}

	cmd.AddCommand(purgeCommand())
	return cmd
}

func purgeCommand() *cobra.Command {
	var (
		databaseURL string
		retention   time.Duration
	)

	c := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal jobs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			if databaseURL == "" {
				return fmt.Errorf("--database-url is required")
			}

			pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: databaseURL})
			if err != nil {
				return fmt.Errorf("init pool: %w", err)
			}
			defer persistence.ClosePool(pool)

			queue, err := jobqueue.NewPostgresQueue(ctx, jobqueue.PostgresConfig{
				Pool:      pool,
				Retention: retention,
			})
			if err != nil {
				return fmt.Errorf("init job queue: %w", err)
			}

			purged, err := queue.PurgeExpired(ctx)
			if err != nil {
				return fmt.Errorf("purge jobs: %w", err)
			}
			fmt.Printf("purged %d job(s)\n", purged)
			return nil
		},
	}

	c.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "control-plane database URL")
	c.Flags().DurationVar(&retention, "retention", jobqueue.DefaultRetention, "terminal job retention window")
	return c
}

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/exitpool/internal/exitpool"
	"github.com/chiquitav2/exitpool/internal/shared/models"
)

// reconcileCmd runs exactly one cycle, for cron-style deployments and debugging.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a single reconcile cycle and exit",
	Long: `Run one sync, poll, evict and provision pass against the pool, persist
the registry and print a summary. Exits non-zero when the registry could not
be saved or a node could not be provisioned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		cfg.Metrics.Enabled = false
		log := newLogger(cfg)

		service, err := exitpool.NewService(ctx, cfg, log, exitpool.WithoutSignalHandling())
		if err != nil {
			return err
		}
		defer service.Close()

		report := service.RunOnce(ctx)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cycle %s finished in %s\n", report.CorrelationID, report.Duration.Round(time.Millisecond))
		fmt.Fprintf(out, "  polled:       %d\n", report.Polled)
		fmt.Fprintf(out, "  evicted:      %d\n", len(report.Evicted))
		fmt.Fprintf(out, "  requested:    %d\n", report.Requested)
		fmt.Fprintf(out, "  provisioned:  %d\n", len(report.Provisioned))
		fmt.Fprintf(out, "  failed:       %d\n", len(report.ProvisionErrors))
		fmt.Fprintf(out, "  pool:         %d healthy, %d provisioning, %d unhealthy, %d terminating (target %d, max %d)\n",
			report.Counts[models.NodeStatusHealthy],
			report.Counts[models.NodeStatusProvisioning],
			report.Counts[models.NodeStatusUnhealthy],
			report.Counts[models.NodeStatusTerminating],
			cfg.Pool.Target,
			cfg.Pool.MaxNodes)
		if report.Sync.Skipped {
			fmt.Fprintf(out, "  sync skipped: %v\n", report.Sync.Err)
		}

		if report.PersistErr != nil {
			return fmt.Errorf("registry was not saved: %w", report.PersistErr)
		}
		if n := len(report.ProvisionErrors); n > 0 {
			return fmt.Errorf("%d of %d provisioning requests failed", n, report.Requested)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

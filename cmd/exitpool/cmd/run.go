package cmd

import (
	"github.com/spf13/cobra"

	"github.com/chiquitav2/exitpool/internal/exitpool"
)

// runCmd starts the reconcile loop as a long-running process.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reconcile loop until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig(cmd, false)
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		log.InfoCtx(ctx, "starting exitpool", "version", version)

		service, err := exitpool.NewService(ctx, cfg, log)
		if err != nil {
			log.ErrorCtx(ctx, "failed to create service", err)
			return err
		}

		if err := service.Start(ctx); err != nil {
			log.ErrorCtx(ctx, "failed to start service", err)
			if closeErr := service.Close(); closeErr != nil {
				log.ErrorCtx(ctx, "failed to cleanup service after startup failure", closeErr)
			}
			return err
		}

		// Blocks until SIGINT/SIGTERM; the service handles the signal itself.
		if err := service.WaitForShutdown(); err != nil {
			log.ErrorCtx(ctx, "service stopped with errors", err)
			return err
		}

		log.InfoCtx(ctx, "main process exiting")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

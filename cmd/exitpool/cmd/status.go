package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/exitpool/internal/exitpool/registry"
	"github.com/chiquitav2/exitpool/internal/shared/models"
)

// statusCmd prints the persisted registry. It never talks to the provider.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the exit nodes recorded in the registry",
	Long: `Show every exit node in the persisted registry with its status,
addresses, consecutive failures and age.

The registry is read as-is: corrupt state is reported, never reset.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		store, err := registry.OpenStore(cfg.State, log)
		if err != nil {
			return err
		}
		reg := registry.New(store, log)
		defer reg.Close()

		nodes, err := reg.Load(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to read registry at %s: %w", cfg.State.Path, err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(nodes)
		}

		printStatus(cmd.OutOrStdout(), nodes, cfg.Pool.Target, cfg.Pool.MaxNodes, time.Now())
		return nil
	},
}

func printStatus(out io.Writer, nodes []models.ExitNodeInfo, target, maxNodes int, now time.Time) {
	counts := models.CountByStatus(nodes)
	fmt.Fprintf(out, "Pool: %d healthy, %d provisioning, %d unhealthy, %d terminating (target %d, max %d)\n\n",
		counts[models.NodeStatusHealthy],
		counts[models.NodeStatusProvisioning],
		counts[models.NodeStatusUnhealthy],
		counts[models.NodeStatusTerminating],
		target,
		maxNodes)

	if len(nodes) == 0 {
		fmt.Fprintln(out, "No exit nodes recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tREGION\tADDRESS\tTAILSCALE IP\tFAILURES\tAGE\tLAST HEALTHY")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			n.ID,
			n.Name,
			n.Status,
			orDash(n.Region),
			orDash(n.PublicAddress),
			orDash(n.TailscaleIP),
			n.ConsecutiveFailures,
			n.Age(now).Truncate(time.Second),
			since(n.LastHealthyAt, now))
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "print the registry as JSON")
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/exitpool/internal/exitpool/cloudinit"
)

// renderCmd prints the boot script a new node would receive.
var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the cloud-init script sent to new exit nodes",
	Long: `Render the cloud-init wrapper and setup script with the configured
Tailscale settings. The auth key is redacted unless --show-secrets is given.

Examples:
  # Check a template override
  exitpool render --config ./config.yaml

  # Produce a script that can be pasted into the Hetzner console
  exitpool render --show-secrets > user-data.sh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, true)
		if err != nil {
			return err
		}

		renderer, err := cloudinit.NewRenderer(cfg.CloudInit.TemplateDir, cfg.Health.Port)
		if err != nil {
			return err
		}
		script, err := renderer.Render(cloudinit.Params{
			AuthKey:     cfg.Tailscale.AuthKey,
			LoginServer: cfg.Tailscale.LoginServer,
		})
		if err != nil {
			return err
		}

		if show, _ := cmd.Flags().GetBool("show-secrets"); !show {
			script = cloudinit.Redact(script, cfg.Tailscale.AuthKey)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), script)
		return err
	},
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().Bool("show-secrets", false, "print the Tailscale auth key in clear text")
}

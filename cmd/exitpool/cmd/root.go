package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chiquitav2/exitpool/internal/exitpool/config"
	"github.com/chiquitav2/exitpool/internal/shared/logger"
)

// version is overridden at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "exitpool",
	Short: "Keep a pool of Tailscale exit nodes running on Hetzner Cloud",
	Long: `exitpool keeps a configured number of Tailscale exit nodes alive.
Every cycle it polls each node's status endpoint, deletes nodes that failed
too many consecutive checks and creates replacements up to the ceiling.

Configuration is read from config.yaml (/etc/exitpool, ~/.exitpool or the
working directory) and EXITPOOL_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default searches /etc/exitpool, ~/.exitpool, .)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().String("state-path", "", "registry state location")
}

// loadConfig reads the configuration with persistent flags bound on top.
// offline skips the credential checks.
func loadConfig(cmd *cobra.Command, offline bool) (*config.Config, error) {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}

	v := loader.Viper()
	flags := cmd.Root().PersistentFlags()
	for key, flag := range map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"state.path": "state-path",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}

	if offline {
		return loader.LoadOffline()
	}
	return loader.Load()
}

// newLogger writes to stderr so command output on stdout stays clean.
func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.LoggerConfig{
		Level:     logger.LogLevel(cfg.Log.Level),
		Format:    logger.OutputFormat(cfg.Log.Format),
		Component: "exitpool",
		Version:   version,
		Output:    os.Stderr,
	})
}

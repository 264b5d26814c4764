package config

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
)

// Deletion failure policies for eviction.
const (
	OnDeleteFailureDrop   = "drop"
	OnDeleteFailureRetain = "retain"
)

// Corrupt state policies.
const (
	OnCorruptFail  = "fail"
	OnCorruptReset = "reset"
)

// State backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config defines the configuration for the exit-node pool service.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Hetzner   HetznerConfig   `mapstructure:"hetzner"`
	Tailscale TailscaleConfig `mapstructure:"tailscale"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Health    HealthConfig    `mapstructure:"health"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Eviction  EvictionConfig  `mapstructure:"eviction"`
	State     StateConfig     `mapstructure:"state"`
	Sync      SyncConfig      `mapstructure:"sync"`
	CloudInit CloudInitConfig `mapstructure:"cloudinit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LogConfig defines the logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HetznerConfig defines the Hetzner provider configuration.
type HetznerConfig struct {
	APIToken   string   `mapstructure:"api_token"`
	Endpoint   string   `mapstructure:"endpoint"`
	ServerType string   `mapstructure:"server_type"`
	Image      string   `mapstructure:"image"`
	Locations  []string `mapstructure:"locations"`
}

// TailscaleConfig holds what the boot script needs to join the tailnet.
type TailscaleConfig struct {
	AuthKey     string `mapstructure:"auth_key"`
	LoginServer string `mapstructure:"login_server"`
}

// PoolConfig sizes the pool and paces the loop.
type PoolConfig struct {
	Target        int           `mapstructure:"target"`
	MaxNodes      int           `mapstructure:"max_nodes"`
	Interval      time.Duration `mapstructure:"interval"`
	NamePrefix    string        `mapstructure:"name_prefix"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// HealthConfig controls node polling.
type HealthConfig struct {
	Port                int           `mapstructure:"port"`
	Timeout             time.Duration `mapstructure:"timeout"`
	Concurrency         int           `mapstructure:"concurrency"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	ProvisioningGrace   time.Duration `mapstructure:"provisioning_grace"`
	ProvisioningTimeout time.Duration `mapstructure:"provisioning_timeout"`
}

// ProvisionConfig controls concurrent creates and their retry policy.
type ProvisionConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Multiplier    float64       `mapstructure:"multiplier"`
	Jitter        float64       `mapstructure:"jitter"`
	CreateTimeout time.Duration `mapstructure:"create_timeout"`
}

// EvictionConfig controls deletion of failed nodes.
type EvictionConfig struct {
	DeleteTimeout     time.Duration `mapstructure:"delete_timeout"`
	OnDeleteFailure   string        `mapstructure:"on_delete_failure"`
	MaxDeleteAttempts int           `mapstructure:"max_delete_attempts"`
}

// StateConfig selects the registry persistence backend.
type StateConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	OnCorrupt string `mapstructure:"on_corrupt"`
}

// SyncConfig controls reconciliation against the provider's server list.
type SyncConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	AdoptOrphans bool `mapstructure:"adopt_orphans"`
}

// CloudInitConfig points at optional template overrides.
type CloudInitConfig struct {
	TemplateDir string `mapstructure:"template_dir"`
}

// MetricsConfig controls the operator HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

const shellUnsafe = "\"$`\\\n"

// Validate validates the configuration for correctness and completeness
func (c *Config) Validate() error {
	if c.Hetzner.APIToken == "" {
		return apperrors.NewConfigError("hetzner.api_token", "is required (set EXITPOOL_HETZNER_API_TOKEN or HCLOUD_TOKEN)")
	}
	if c.Tailscale.AuthKey == "" {
		return apperrors.NewConfigError("tailscale.auth_key", "is required (set EXITPOOL_TAILSCALE_AUTH_KEY or TS_AUTHKEY)")
	}

	return c.ValidateOffline()
}

// ValidateOffline checks everything except provider and tailnet credentials,
// for commands that never talk to the provider.
func (c *Config) ValidateOffline() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return apperrors.NewConfigError("log.level", fmt.Sprintf("invalid level %q (must be debug, info, warn, or error)", c.Log.Level))
	}
	if c.Log.Format != "" && c.Log.Format != "json" && c.Log.Format != "text" {
		return apperrors.NewConfigError("log.format", fmt.Sprintf("invalid format %q (must be json or text)", c.Log.Format))
	}

	// Both values are written into a double-quoted shell string in the boot script.
	if strings.ContainsAny(c.Tailscale.AuthKey, shellUnsafe) {
		return apperrors.NewConfigError("tailscale.auth_key", "must not contain quotes, $, backticks, backslashes or newlines")
	}
	if strings.ContainsAny(c.Tailscale.LoginServer, shellUnsafe) {
		return apperrors.NewConfigError("tailscale.login_server", "must not contain quotes, $, backticks, backslashes or newlines")
	}

	if c.Pool.Target < 0 {
		return apperrors.NewConfigError("pool.target", "must be >= 0")
	}
	if c.Pool.MaxNodes < 0 {
		return apperrors.NewConfigError("pool.max_nodes", "must be >= 0")
	}

	c.setDefaults()

	if c.Pool.Target > c.Pool.MaxNodes {
		return apperrors.NewConfigError("pool.target", fmt.Sprintf("target (%d) cannot exceed max_nodes (%d)", c.Pool.Target, c.Pool.MaxNodes))
	}
	if c.Pool.Interval < time.Second {
		return apperrors.NewConfigError("pool.interval", "must be at least 1 second")
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		return apperrors.NewConfigError("health.port", fmt.Sprintf("invalid port %d", c.Health.Port))
	}
	if c.Health.Timeout >= c.Pool.Interval {
		return apperrors.NewConfigError("health.timeout", "must be shorter than pool.interval")
	}
	if c.Provision.Multiplier < 1 {
		return apperrors.NewConfigError("provision.multiplier", "must be >= 1")
	}
	if c.Provision.Jitter < 0 || c.Provision.Jitter > 1 {
		return apperrors.NewConfigError("provision.jitter", "must be within [0, 1]")
	}
	if c.Provision.BaseDelay > c.Provision.MaxDelay {
		return apperrors.NewConfigError("provision.base_delay", "cannot exceed provision.max_delay")
	}

	switch c.Eviction.OnDeleteFailure {
	case OnDeleteFailureDrop, OnDeleteFailureRetain:
	default:
		return apperrors.NewConfigError("eviction.on_delete_failure", fmt.Sprintf("invalid policy %q (must be drop or retain)", c.Eviction.OnDeleteFailure))
	}

	switch c.State.Backend {
	case BackendFile, BackendSQLite, BackendBolt:
	default:
		return apperrors.NewConfigError("state.backend", fmt.Sprintf("invalid backend %q (must be file, sqlite, or bolt)", c.State.Backend))
	}

	switch c.State.OnCorrupt {
	case OnCorruptFail, OnCorruptReset:
	default:
		return apperrors.NewConfigError("state.on_corrupt", fmt.Sprintf("invalid policy %q (must be fail or reset)", c.State.OnCorrupt))
	}

	return nil
}

// setDefaults sets default values for configuration fields that are not set
func (c *Config) setDefaults() {
	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	// Hetzner defaults
	if c.Hetzner.ServerType == "" {
		c.Hetzner.ServerType = "cx22"
	}
	if c.Hetzner.Image == "" {
		c.Hetzner.Image = "ubuntu-24.04"
	}
	if len(c.Hetzner.Locations) == 0 {
		c.Hetzner.Locations = []string{"fsn1"}
	}

	if c.Tailscale.LoginServer == "" {
		c.Tailscale.LoginServer = "https://controlplane.tailscale.com"
	}

	// Pool defaults
	if c.Pool.MaxNodes == 0 {
		c.Pool.MaxNodes = 3
	}
	if c.Pool.Interval <= 0 {
		c.Pool.Interval = 5 * time.Minute
	}
	if c.Pool.NamePrefix == "" {
		c.Pool.NamePrefix = "tailscale-exit"
	}
	if c.Pool.ShutdownGrace <= 0 {
		c.Pool.ShutdownGrace = 30 * time.Second
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = 8080
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = 10 * time.Second
	}
	if c.Health.Concurrency <= 0 {
		c.Health.Concurrency = 10
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Health.ProvisioningGrace <= 0 {
		c.Health.ProvisioningGrace = 5 * time.Minute
	}
	if c.Health.ProvisioningTimeout <= 0 {
		c.Health.ProvisioningTimeout = 15 * time.Minute
	}

	// Provision defaults
	if c.Provision.Concurrency <= 0 {
		c.Provision.Concurrency = 3
	}
	if c.Provision.MaxAttempts <= 0 {
		c.Provision.MaxAttempts = 3
	}
	if c.Provision.BaseDelay <= 0 {
		c.Provision.BaseDelay = 5 * time.Second
	}
	if c.Provision.MaxDelay <= 0 {
		c.Provision.MaxDelay = 60 * time.Second
	}
	if c.Provision.Multiplier == 0 {
		c.Provision.Multiplier = 2
	}
	if c.Provision.CreateTimeout <= 0 {
		c.Provision.CreateTimeout = 2 * time.Minute
	}

	// Eviction defaults
	if c.Eviction.DeleteTimeout <= 0 {
		c.Eviction.DeleteTimeout = 60 * time.Second
	}
	if c.Eviction.OnDeleteFailure == "" {
		c.Eviction.OnDeleteFailure = OnDeleteFailureDrop
	}
	if c.Eviction.MaxDeleteAttempts <= 0 {
		c.Eviction.MaxDeleteAttempts = 3
	}

	// State defaults
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	if c.State.Path == "" {
		c.State.Path = defaultStatePath(c.State.Backend)
	}
	if c.State.OnCorrupt == "" {
		c.State.OnCorrupt = OnCorruptFail
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9102"
	}
}

func defaultStatePath(backend string) string {
	switch backend {
	case BackendSQLite:
		return "./data/exit_nodes.db"
	case BackendBolt:
		return "./data/exit_nodes.bolt"
	default:
		return "./data/exit_nodes.json"
	}
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gookit/goutil"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every config key when read from the environment.
const EnvPrefix = "EXITPOOL"

// legacyEnv maps config keys to the plain variable names used by earlier
// deployments. They are consulted after the prefixed name.
var legacyEnv = map[string]string{
	"hetzner.api_token":      "HCLOUD_TOKEN",
	"tailscale.auth_key":     "TS_AUTHKEY",
	"tailscale.login_server": "LOGIN_SERVER",
	"pool.target":            "TARGET_EXIT_NODES",
	"pool.max_nodes":         "MAX_EXIT_NODES",
	"pool.name_prefix":       "NAME_PREFIX",
	"log.level":              "LOG_LEVEL",
}

// Loader handles configuration loading from YAML files and environment variables
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// Viper exposes the underlying instance so the CLI can bind flags onto it.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from files and environment variables, then validates it.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadOffline is Load without the credential checks. Used by commands that
// only read local state or render templates.
func (l *Loader) LoadOffline() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateOffline(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath("/etc/exitpool")
		l.v.AddConfigPath("$HOME/.exitpool")
		l.v.AddConfigPath(".")
	}

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	l.setDefaults()
	if err := l.bindEnv(); err != nil {
		return nil, err
	}

	// Config file not found is OK, defaults and ENV still apply.
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := l.applyLegacyInterval(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindEnv registers keys that have no default so AutomaticEnv can see them,
// together with their legacy names.
func (l *Loader) bindEnv() error {
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := l.v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	return nil
}

// applyLegacyInterval accepts HEALTH_CHECK_INTERVAL as plain seconds.
func (l *Loader) applyLegacyInterval() error {
	raw, ok := os.LookupEnv("HEALTH_CHECK_INTERVAL")
	if !ok || raw == "" {
		return nil
	}
	if _, set := os.LookupEnv(EnvPrefix + "_POOL_INTERVAL"); set {
		return nil
	}
	if secs, err := goutil.ToInt(raw); err == nil {
		l.v.Set("pool.interval", time.Duration(secs)*time.Second)
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid HEALTH_CHECK_INTERVAL %q: %w", raw, err)
	}
	l.v.Set("pool.interval", d)
	return nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Log defaults
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")

	// Hetzner defaults
	l.v.SetDefault("hetzner.api_token", "")
	l.v.SetDefault("hetzner.endpoint", "")
	l.v.SetDefault("hetzner.server_type", "cx22")
	l.v.SetDefault("hetzner.image", "ubuntu-24.04")
	l.v.SetDefault("hetzner.locations", []string{"fsn1"})

	// Tailscale defaults
	l.v.SetDefault("tailscale.auth_key", "")
	l.v.SetDefault("tailscale.login_server", "https://controlplane.tailscale.com")

	// Pool defaults
	l.v.SetDefault("pool.target", 1)
	l.v.SetDefault("pool.max_nodes", 3)
	l.v.SetDefault("pool.interval", "5m")
	l.v.SetDefault("pool.name_prefix", "tailscale-exit")
	l.v.SetDefault("pool.shutdown_grace", "30s")

	// Health defaults
	l.v.SetDefault("health.port", 8080)
	l.v.SetDefault("health.timeout", "10s")
	l.v.SetDefault("health.concurrency", 10)
	l.v.SetDefault("health.failure_threshold", 3)
	l.v.SetDefault("health.provisioning_grace", "5m")
	l.v.SetDefault("health.provisioning_timeout", "15m")

	// Provision defaults
	l.v.SetDefault("provision.concurrency", 3)
	l.v.SetDefault("provision.max_attempts", 3)
	l.v.SetDefault("provision.base_delay", "5s")
	l.v.SetDefault("provision.max_delay", "60s")
	l.v.SetDefault("provision.multiplier", 2.0)
	l.v.SetDefault("provision.jitter", 0.2)
	l.v.SetDefault("provision.create_timeout", "2m")

	// Eviction defaults
	l.v.SetDefault("eviction.delete_timeout", "60s")
	l.v.SetDefault("eviction.on_delete_failure", OnDeleteFailureDrop)
	l.v.SetDefault("eviction.max_delete_attempts", 3)

	// State defaults
	l.v.SetDefault("state.backend", BackendFile)
	l.v.SetDefault("state.path", "")
	l.v.SetDefault("state.on_corrupt", OnCorruptFail)

	// Sync defaults
	l.v.SetDefault("sync.enabled", true)
	l.v.SetDefault("sync.adopt_orphans", false)

	l.v.SetDefault("cloudinit.template_dir", "")

	// Metrics defaults
	l.v.SetDefault("metrics.enabled", true)
	l.v.SetDefault("metrics.listen_addr", ":9102")
}

// LoadWithPath loads configuration from a specific file path
func LoadWithPath(configPath string) (*Config, error) {
	loader := NewLoader()
	loader.configFile = configPath
	return loader.Load()
}

// SetConfigFile pins the loader to one file instead of the search paths.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

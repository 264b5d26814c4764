package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/chiquitav2/exitpool/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func loadFrom(t *testing.T, body string) (*Config, error) {
	t.Helper()
	loader := NewLoader()
	loader.SetConfigFile(writeConfig(t, body))
	return loader.Load()
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := loadFrom(t, `
hetzner:
  api_token: token
tailscale:
  auth_key: tskey-auth-123
`)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Pool.Target)
	assert.Equal(t, 3, cfg.Pool.MaxNodes)
	assert.Equal(t, 5*time.Minute, cfg.Pool.Interval)
	assert.Equal(t, "tailscale-exit", cfg.Pool.NamePrefix)
	assert.Equal(t, 8080, cfg.Health.Port)
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, 3, cfg.Provision.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Provision.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Provision.MaxDelay)
	assert.InDelta(t, 0.2, cfg.Provision.Jitter, 1e-9)
	assert.Equal(t, OnDeleteFailureDrop, cfg.Eviction.OnDeleteFailure)
	assert.Equal(t, BackendFile, cfg.State.Backend)
	assert.Equal(t, "./data/exit_nodes.json", cfg.State.Path)
	assert.Equal(t, OnCorruptFail, cfg.State.OnCorrupt)
	assert.True(t, cfg.Sync.Enabled)
	assert.False(t, cfg.Sync.AdoptOrphans)
	assert.Equal(t, []string{"fsn1"}, cfg.Hetzner.Locations)
	assert.Equal(t, "https://controlplane.tailscale.com", cfg.Tailscale.LoginServer)
}

func TestLoader_FileValues(t *testing.T) {
	cfg, err := loadFrom(t, `
hetzner:
  api_token: token
  server_type: cpx11
  locations: [nbg1, hel1]
tailscale:
  auth_key: key
  login_server: https://headscale.example.com
pool:
  target: 2
  max_nodes: 4
  interval: 90s
state:
  backend: bolt
eviction:
  on_delete_failure: retain
  max_delete_attempts: 5
`)
	require.NoError(t, err)

	assert.Equal(t, "cpx11", cfg.Hetzner.ServerType)
	assert.Equal(t, []string{"nbg1", "hel1"}, cfg.Hetzner.Locations)
	assert.Equal(t, 2, cfg.Pool.Target)
	assert.Equal(t, 4, cfg.Pool.MaxNodes)
	assert.Equal(t, 90*time.Second, cfg.Pool.Interval)
	assert.Equal(t, "./data/exit_nodes.bolt", cfg.State.Path)
	assert.Equal(t, OnDeleteFailureRetain, cfg.Eviction.OnDeleteFailure)
	assert.Equal(t, 5, cfg.Eviction.MaxDeleteAttempts)
}

func TestLoader_EnvironmentOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "prefixed variables",
			envVars: map[string]string{
				"EXITPOOL_HETZNER_API_TOKEN":  "prefixed-token",
				"EXITPOOL_TAILSCALE_AUTH_KEY": "prefixed-key",
				"EXITPOOL_POOL_TARGET":        "2",
				"EXITPOOL_POOL_INTERVAL":      "2m",
				"EXITPOOL_LOG_LEVEL":          "debug",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "prefixed-token", cfg.Hetzner.APIToken)
				assert.Equal(t, "prefixed-key", cfg.Tailscale.AuthKey)
				assert.Equal(t, 2, cfg.Pool.Target)
				assert.Equal(t, 2*time.Minute, cfg.Pool.Interval)
				assert.Equal(t, "debug", cfg.Log.Level)
			},
		},
		{
			name: "legacy variable names",
			envVars: map[string]string{
				"HCLOUD_TOKEN":          "legacy-token",
				"TS_AUTHKEY":            "legacy-key",
				"LOGIN_SERVER":          "https://hs.example.com",
				"TARGET_EXIT_NODES":     "2",
				"MAX_EXIT_NODES":        "5",
				"HEALTH_CHECK_INTERVAL": "120",
				"NAME_PREFIX":           "edge",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "legacy-token", cfg.Hetzner.APIToken)
				assert.Equal(t, "legacy-key", cfg.Tailscale.AuthKey)
				assert.Equal(t, "https://hs.example.com", cfg.Tailscale.LoginServer)
				assert.Equal(t, 2, cfg.Pool.Target)
				assert.Equal(t, 5, cfg.Pool.MaxNodes)
				assert.Equal(t, 2*time.Minute, cfg.Pool.Interval)
				assert.Equal(t, "edge", cfg.Pool.NamePrefix)
			},
		},
		{
			name: "prefixed name wins over legacy name",
			envVars: map[string]string{
				"EXITPOOL_HETZNER_API_TOKEN": "prefixed-token",
				"HCLOUD_TOKEN":               "legacy-token",
				"TS_AUTHKEY":                 "key",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "prefixed-token", cfg.Hetzner.APIToken)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg, err := loadFrom(t, "log:\n  format: json\n")
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoader_ValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "missing api token",
			body:  "tailscale:\n  auth_key: key\n",
			field: "hetzner.api_token",
		},
		{
			name:  "missing auth key",
			body:  "hetzner:\n  api_token: token\n",
			field: "tailscale.auth_key",
		},
		{
			name:  "target above max",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: k\npool:\n  target: 4\n  max_nodes: 2\n",
			field: "pool.target",
		},
		{
			name:  "negative target",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: k\npool:\n  target: -1\n",
			field: "pool.target",
		},
		{
			name:  "unknown backend",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: k\nstate:\n  backend: redis\n",
			field: "state.backend",
		},
		{
			name:  "unknown delete policy",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: k\neviction:\n  on_delete_failure: ignore\n",
			field: "eviction.on_delete_failure",
		},
		{
			name:  "auth key with command substitution",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: 'tskey-$(id)'\n",
			field: "tailscale.auth_key",
		},
		{
			name:  "login server breaking out of quotes",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: k\n  login_server: 'https://hs.example.com\"; reboot; \"'\n",
			field: "tailscale.login_server",
		},
		{
			name:  "auth key with backtick",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: 'tskey-`id`'\n",
			field: "tailscale.auth_key",
		},
		{
			name:  "health timeout longer than interval",
			body:  "hetzner:\n  api_token: t\ntailscale:\n  auth_key: k\npool:\n  interval: 5s\nhealth:\n  timeout: 10s\n",
			field: "health.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadFrom(t, tt.body)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)

			var cfgErr *apperrors.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestLoader_OfflineSkipsCredentials(t *testing.T) {
	loader := NewLoader()
	loader.SetConfigFile(writeConfig(t, "pool:\n  target: 2\n"))

	cfg, err := loader.LoadOffline()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Pool.Target)
}

func TestLoadWithPath_MissingFile(t *testing.T) {
	_, err := LoadWithPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

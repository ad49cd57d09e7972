package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HEARTBEAT_MONITOR_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Monitor.HeartbeatIntervalSeconds)
	assert.Equal(t, "reports", cfg.Stream.Name)
	assert.Equal(t, "monitor-queue-group", cfg.Stream.Group)
	assert.Equal(t, 12, cfg.Forwarder.MaxRetries)
	assert.Equal(t, 300, cfg.Forwarder.RetryCapSeconds)
	assert.Equal(t, 5*time.Second, cfg.Forwarder.BlockTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitor.yaml")
	content := `
monitor:
  heartbeatIntervalSeconds: 15
stream:
  group: yaml-group
forwarder:
  batchSize: 25
database:
  driver: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CONSUMER_GROUP", "env-group")
	t.Setenv("BLOCK_MS", "750")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15, cfg.Monitor.HeartbeatIntervalSeconds)
	assert.Equal(t, "env-group", cfg.Stream.Group)
	assert.Equal(t, 25, cfg.Forwarder.BatchSize)
	assert.Equal(t, 750*time.Millisecond, cfg.Forwarder.BlockTimeout)
	assert.Equal(t, "memory", cfg.Database.Driver)
	// untouched fields keep their defaults
	assert.Equal(t, "reports.heartbeat", cfg.Stream.Subject)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Monitor.HeartbeatIntervalSeconds = 0 }, "heartbeatIntervalSeconds"},
		{"empty group", func(c *Config) { c.Stream.Group = "" }, "group"},
		{"zero batch", func(c *Config) { c.Forwarder.BatchSize = 0 }, "batchSize"},
		{"zero retries", func(c *Config) { c.Forwarder.MaxRetries = 0 }, "maxRetries"},
		{"ack wait within fetch wait", func(c *Config) { c.Forwarder.AckWait = c.Forwarder.BlockTimeout }, "ackWait"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, "sqlite"},
		{"auth without secret", func(c *Config) { c.Features.AuthEnabled = true }, "jwtSecret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestFeatureOverrides(t *testing.T) {
	t.Setenv("DEAD_LETTER_ENABLED", "false")
	t.Setenv("AUTH_ENABLED", "yes")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.Features.DeadLetterEnabled)
	assert.True(t, cfg.Features.AuthEnabled)
	assert.True(t, cfg.Features.ScheduledSweepEnabled)
}

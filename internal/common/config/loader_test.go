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
	cfg, err := Load(WithConfigFile(writeConfig(t, "# empty\n")))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Runtime.MaxConcurrentTasksPerAction)
	assert.Equal(t, 3, cfg.Runtime.TaskRetryMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Runtime.TaskRetryBaseBackoff)
	assert.Equal(t, 300*time.Second, cfg.Runtime.TaskTimeout)
	assert.Equal(t, 5*time.Second, cfg.Runtime.CancelGrace)
	assert.Equal(t, 8, cfg.Planner.MaxTasks)
	assert.Equal(t, 2, cfg.Planner.MaxRetries)
	assert.Equal(t, 256, cfg.Events.QueueCapacity)
	assert.Equal(t, 15*time.Second, cfg.Events.PingInterval)
	assert.Equal(t, 1000, cfg.Logs.RetentionPerTask)
	assert.NotEmpty(t, cfg.Artifacts.Dir)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(WithConfigFile(writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9090
database:
  driver: sqlite
runtime:
  maxConcurrentTasksPerAction: 4
  taskTimeout: 30s
events:
  queueCapacity: 64
planner:
  model: anthropic/claude-sonnet-4-5
`)))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.NotEmpty(t, cfg.Database.DSN, "sqlite DSN should fall back to the data dir")
	assert.Equal(t, 4, cfg.Runtime.MaxConcurrentTasksPerAction)
	assert.Equal(t, 30*time.Second, cfg.Runtime.TaskTimeout)
	assert.Equal(t, 64, cfg.Events.QueueCapacity)
	assert.Equal(t, "anthropic/claude-sonnet-4-5", cfg.Planner.Model)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ACTO_SERVER_PORT", "7070")
	t.Setenv("ACTO_RUNTIME_TASKRETRYMAXATTEMPTS", "5")

	cfg, err := Load(WithConfigFile(writeConfig(t, "# empty\n")))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Runtime.TaskRetryMaxAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "UnknownDatabaseDriver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "unknown database driver",
		},
		{
			name:    "PostgresNeedsDSN",
			mutate:  func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" },
			wantErr: "database.dsn is required",
		},
		{
			name:    "S3NeedsBucket",
			mutate:  func(c *Config) { c.Artifacts.Driver = "s3" },
			wantErr: "artifacts.s3.bucket is required",
		},
		{
			name:    "ZeroConcurrency",
			mutate:  func(c *Config) { c.Runtime.MaxConcurrentTasksPerAction = 0 },
			wantErr: "maxConcurrentTasksPerAction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(WithConfigFile(writeConfig(t, "# empty\n")))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "acto.yaml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0600))
	return file
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.Cooldown)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.DispatchTimeout)
	assert.Equal(t, 280, cfg.Pipeline.ExcerptRunes)
	assert.Equal(t, 3, cfg.Pipeline.FlagThreshold)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("PIPELINE_COOLDOWN", "1h")
	t.Setenv("REDIS_ADDR", "redis:6380")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Pipeline.Cooldown)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "pipeline:\n  flag_threshold: 5\nemail:\n  pastor_email: pastor@example.org\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.FlagThreshold)
	assert.Equal(t, "pastor@example.org", cfg.Email.PastorEmail)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.Cooldown)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Config{
		Postgres: PostgresConfig{URL: "postgres://x"},
		Pipeline: PipelineConfig{
			Cooldown:        time.Hour,
			DispatchTimeout: time.Second,
			ExcerptRunes:    10,
			FlagThreshold:   1,
		},
	}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Pipeline.Cooldown = 0
	bad.Pipeline.FlagThreshold = 0
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooldown")
	assert.Contains(t, err.Error(), "flag_threshold")
}

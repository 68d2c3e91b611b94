package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "node-0", cfg.Node.ID)
	assert.Equal(t, "9090", cfg.Admin.Port)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"NODE_ID":       "node-7",
		"ADMIN_PORT":    "9191",
		"ADMIN_ENABLED": "false",
		"LOG_LEVEL":     "debug",
		"LOG_DEV":       "true",
	}
	for key, value := range envVars {
		require.NoError(t, os.Setenv(key, value))
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Node.ID)
	assert.Equal(t, "9191", cfg.Admin.Port)
	assert.False(t, cfg.Admin.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	require.NoError(t, os.Setenv("LOG_LEVEL", "warn"))
	defer os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "node-0", cfg.Node.ID)
	assert.Equal(t, "9090", cfg.Admin.Port)
}

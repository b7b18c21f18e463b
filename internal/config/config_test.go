package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, DefaultEngine(), cfg.Engine)
	assert.Equal(t, "host=localhost port=5432 user=assessment password=assessment dbname=assessment sslmode=disable", cfg.DSN())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ENGINE_MU_MIN", "4")
	t.Setenv("ENGINE_WINDOW_SIZE", "20")
	t.Setenv("ENGINE_POLICY", "skill_window")
	t.Setenv("SERVER_PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4.0, cfg.Engine.MuMin)
	assert.Equal(t, 20, cfg.Engine.WindowSize)
	assert.Equal(t, "skill_window", cfg.Engine.Policy)
	assert.Equal(t, "9000", cfg.Server.Port)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := &Config{Engine: DefaultEngine()}
	cfg.Engine.Policy = "random"
	assert.Error(t, cfg.Validate())

	cfg.Engine.Policy = "quota"
	cfg.Engine.WindowSize = 0
	assert.Error(t, cfg.Validate())
}

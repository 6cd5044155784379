package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FINA_PROVIDER_API_KEY", "gsk-test")
	t.Setenv("FINA_DATA_DIR", dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultProviderBaseURL, cfg.ProviderBaseURL)
	assert.Equal(t, DefaultVaultEndpoint, cfg.VaultEndpoint)
	assert.Equal(t, float64(DefaultRateLimitRPS), cfg.RateLimitRPS)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "checkpoints.db"), cfg.CheckpointDBPath())
	assert.False(t, cfg.OtelEnabled)
}

func TestLoadRequiresProviderKey(t *testing.T) {
	t.Setenv("FINA_PROVIDER_API_KEY", "")
	t.Setenv("FINA_DATA_DIR", t.TempDir())

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider_api_key")
}

func TestLoadRejectsNonPositiveRateLimit(t *testing.T) {
	t.Setenv("FINA_PROVIDER_API_KEY", "gsk-test")
	t.Setenv("FINA_DATA_DIR", t.TempDir())
	t.Setenv("FINA_RATE_LIMIT_RPS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit_rps")
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	cfg := &Config{DataDir: dir}
	require.NoError(t, cfg.EnsureDataDir())
	assert.DirExists(t, dir)
}

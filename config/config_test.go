package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/charge-engine/config"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "charges.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.SeedCatalog)
}

func TestParse_FromEnv(t *testing.T) {
	t.Setenv("CHARGE_ENGINE_PORT", "3000")
	t.Setenv("CHARGE_ENGINE_DB_PATH", ":memory:")
	t.Setenv("CHARGE_ENGINE_CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Parse()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBPath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestParse_Invalid(t *testing.T) {
	t.Setenv("CHARGE_ENGINE_PORT", "0")
	_, err := config.Parse()
	assert.Error(t, err)

	t.Setenv("CHARGE_ENGINE_PORT", "8080")
	t.Setenv("CHARGE_ENGINE_LOG_LEVEL", "loud")
	_, err = config.Parse()
	assert.Error(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	// GIVEN: a .env file setting the seed catalog
	// WHEN: the variable is not already set
	// THEN: the file value is used
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CHARGE_ENGINE_SEED_CATALOG=seed.yaml\n"), 0o600))
	t.Setenv("CHARGE_ENGINE_SEED_CATALOG", "")
	require.NoError(t, os.Unsetenv("CHARGE_ENGINE_SEED_CATALOG"))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "seed.yaml", cfg.SeedCatalog)
}

func TestConfig_Logger(t *testing.T) {
	cfg, err := config.Parse()
	require.NoError(t, err)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

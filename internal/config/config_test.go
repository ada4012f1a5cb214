package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EmpoweredVote/cannabis-licenses/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, config.DefaultSourceURL, cfg.SourceURL)
	assert.Equal(t, config.TotalFromSource, cfg.TotalPolicy)
	assert.Equal(t, 100, cfg.MaxLimit)
	assert.False(t, cfg.IsPostgres())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
port: "9000"
database_url: postgres://user:pw@localhost:5432/licencias
total_policy: recompute
source_timeout: 5s
kafka_brokers:
  - broker-1:9092
  - broker-2:9092
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("REFRESH_INTERVAL", "6h")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port, "env must win over file")
	assert.True(t, cfg.IsPostgres())
	assert.Equal(t, config.TotalRecomputed, cfg.TotalPolicy)
	assert.Equal(t, 5*time.Second, cfg.SourceTimeout)
	assert.Equal(t, 6*time.Hour, cfg.RefreshInterval)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Run("bad total policy", func(t *testing.T) {
		t.Setenv("TOTAL_POLICY", "average")
		_, err := config.Load()
		assert.ErrorIs(t, err, config.ErrInvalidTotalPolicy)
	})

	t.Run("unparseable duration", func(t *testing.T) {
		t.Setenv("SOURCE_TIMEOUT", "soon")
		_, err := config.Load()
		assert.ErrorContains(t, err, "SOURCE_TIMEOUT")
	})

	t.Run("default limit above max", func(t *testing.T) {
		t.Setenv("DEFAULT_LIMIT", "200")
		_, err := config.Load()
		assert.ErrorIs(t, err, config.ErrInvalidLimits)
	})
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := config.Default()
	err := config.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	assert.Error(t, err)
}

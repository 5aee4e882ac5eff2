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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Ingest.ReloadInterval)
	assert.Equal(t, time.Minute, cfg.Ingest.StatusCheckInterval)
	assert.Equal(t, 5*time.Minute, cfg.Ingest.OfflineAfter)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetryd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt:
  servers:
    - tcp://broker.campus.edu:1883
  clientID: telemetryd-main
  username: ingest
postgres:
  connString: postgres://telemetryd@localhost:5432/campus
ingest:
  reloadInterval: 30s
  offlineAfter: 10m
metrics:
  enabled: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"tcp://broker.campus.edu:1883"}, cfg.MQTT.Servers)
	assert.Equal(t, "telemetryd-main", cfg.MQTT.ClientID)
	assert.Equal(t, "ingest", cfg.MQTT.Username)
	assert.Equal(t, "postgres://telemetryd@localhost:5432/campus", cfg.Postgres.ConnString)
	assert.Equal(t, 30*time.Second, cfg.Ingest.ReloadInterval)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.OfflineAfter)
	assert.Equal(t, time.Minute, cfg.Ingest.StatusCheckInterval, "unset keys keep defaults")
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TELEMETRYD_POSTGRES_CONNSTRING", "postgres://env@localhost:5432/campus")
	t.Setenv("TELEMETRYD_INGEST_OFFLINEAFTER", "15m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@localhost:5432/campus", cfg.Postgres.ConnString)
	assert.Equal(t, 15*time.Minute, cfg.Ingest.OfflineAfter)
}

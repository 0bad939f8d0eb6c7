package stats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonproxy/tonproxy/tonproxy-srv/config"
)

func TestCreateCollectorDisabled(t *testing.T) {
	collector, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{Enabled: false, Backend: "sqlite"})
	require.NoError(t, err)
	_, ok := collector.(*DummyCollector)
	assert.True(t, ok, "disabled statistics must yield the dummy collector")
}

func TestCreateCollectorSQLite(t *testing.T) {
	cfg := &config.StatisticsConfig{
		Enabled:    true,
		Backend:    "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "stats.db"),
	}
	collector, err := NewCollectorFactory().CreateCollector(cfg)
	require.NoError(t, err)
	defer func() { _ = collector.Close() }()

	_, ok := collector.(*SQLiteCollector)
	assert.True(t, ok)
}

func TestCreateCollectorDummyBackend(t *testing.T) {
	collector, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "dummy"})
	require.NoError(t, err)
	_, ok := collector.(*DummyCollector)
	assert.True(t, ok)
}

func TestCreateCollectorPostgresRequiresDSN(t *testing.T) {
	_, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "postgres"})
	require.Error(t, err)
}

func TestCreateCollectorUnknownBackend(t *testing.T) {
	_, err := NewCollectorFactory().CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "redis"})
	require.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
server:
  addr: ":9090"
  allowed_origins: ["https://dash.example.com"]
database:
  host: db.internal
  port: 6543
store:
  backend: sqlite
  cache_ttl: 1m
executor:
  concurrent_siblings: true
`), 0o600))
	t.Setenv("DASHDAG_STORE_BACKEND", "postgres")
	t.Setenv("DASHDAG_LOG_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, time.Minute, cfg.Store.CacheTTL)
	assert.True(t, cfg.Executor.ConcurrentSiblings)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "graphs", cfg.Graphs.Dir)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server: [unclosed"), 0o600))
	_, err := Load(dir)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 800*time.Millisecond, cfg.PrefetchTimeout)
	require.Equal(t, 8, cfg.MaxToolIter)
	require.Equal(t, 3, cfg.LoopLimit)
	require.Equal(t, 1024, cfg.Embedding.Dimension)
	require.Equal(t, 2*time.Second, cfg.Embedding.Timeout)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_QDRANT_HOST", "qdrant.internal")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("qdrant:\n  host: \"${TEST_QDRANT_HOST}\"\n  collection: memories\n"), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	require.Equal(t, "memories", cfg.Qdrant.Collection)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MEMORY_TOP_K", "25")
	t.Setenv("MEMORY_SYSTEM_ENABLED", "false")
	cfg, err := Load("", "")
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Retrieve.TopK)
	require.False(t, cfg.SystemEnabled)
}

func TestLoadMCPServersExpandsEnv(t *testing.T) {
	t.Setenv("TEST_TOOL_TOKEN", "secret-token")
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	doc := `{"servers": {"fetch": {"type": "streamable_http", "url": "https://tools.local/mcp", "headers": {"Authorization": "Bearer ${TEST_TOOL_TOKEN}"}}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	servers, err := LoadMCPServers(path)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	fetch := servers["fetch"]
	require.Equal(t, "fetch", fetch.Name)
	require.Equal(t, "Bearer secret-token", fetch.Headers["Authorization"])
}

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

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, 1500*time.Millisecond, cfg.MCP.CallDelay)
	assert.Equal(t, 300*time.Second, cfg.MCP.MetadataTTL)
	assert.Equal(t, 60*time.Second, cfg.MCP.DataTTL)
	assert.Equal(t, 10*time.Second, cfg.MCP.ErrorTTL)
	assert.Equal(t, 45*time.Second, cfg.MCP.WaitTimeout)
	assert.Equal(t, "manufacturing_historian", cfg.Query.DefaultDBMS)
	assert.Equal(t, 4, cfg.Query.DefaultHours)
	assert.Equal(t, "127.0.0.1:32049", cfg.AnyLog.NodeAddr())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.yaml")
	data := `
log:
  level: debug
  format: console
http:
  port: 9090
mcp:
  proxy_path: /opt/mcp/bin/mcp-proxy
  server_url: http://node.example:32049/mcp/sse
  call_delay: 2s
anylog:
  host: 10.0.0.5
  port: 32149
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/opt/mcp/bin/mcp-proxy", cfg.MCP.ProxyPath)
	assert.Equal(t, "http://node.example:32049/mcp/sse", cfg.MCP.ServerURL)
	assert.Equal(t, 2*time.Second, cfg.MCP.CallDelay)
	// Unset values keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.MCP.CallTimeout)
	assert.Equal(t, "10.0.0.5:32149", cfg.AnyLog.NodeAddr())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ANYLOG_BRIDGE_MCP_CALL_DELAY", "3s")
	t.Setenv("ANYLOG_BRIDGE_HTTP_PORT", "8181")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.MCP.CallDelay)
	assert.Equal(t, 8181, cfg.HTTP.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.HTTP.Port = 0
	assert.Error(t, cfg.Validate())

	cfg, err = Load("")
	require.NoError(t, err)
	cfg.MCP.CallTimeout = 0
	assert.Error(t, cfg.Validate())
}

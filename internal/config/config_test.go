package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
self_id: server1
listen_addr: 127.0.0.1:9001
peers:
  server2: 127.0.0.1:9002
  server3: 127.0.0.1:9003
`), 0644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "server1", c.SelfID)
	require.Equal(t, "127.0.0.1:9001", c.ListenAddr)
	require.Equal(t, "127.0.0.1:9002", c.Peers["server2"])
	require.Equal(t, 10, c.Iterations)
	require.Equal(t, time.Second, c.SettleDelay)
	require.Equal(t, "delays_mp.json", c.MPLogPath)
}

func TestReadConfigOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
self_id: client1
listen_addr: 127.0.0.1:9100
iterations: 50
settle_delay: 2s
mp_log_path: /tmp/mp.json
`), 0644))

	c, err := ReadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 50, c.Iterations)
	require.Equal(t, 2*time.Second, c.SettleDelay)
	require.Equal(t, "/tmp/mp.json", c.MPLogPath)
}

func TestReadConfigRejectsMissingSelfID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: 127.0.0.1:9001\n"), 0644))

	_, err := ReadConfig(path)
	require.Error(t, err)
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := ReadConfig("/nonexistent/path/node.yaml")
	require.Error(t, err)
}

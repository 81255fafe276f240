package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreRunnable(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Equal(t, "8081", cfg.WebSocketPort)
	assert.Empty(t, cfg.RedisAddr, "defaults run standalone")
	assert.Equal(t, 64, cfg.ShardCount)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 0.85, cfg.Degradation.MediumOccupancy)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.ShardCount)
}

func TestLoadYamlFile(t *testing.T) {
	path := writeConfigFile(t, `
node_id: chat-01
api_port: "9090"
websocket_port: "9091"
redis:
  addr: redis:6379
  password: hunter2
  db: 3
max_connections: 5000
shard_count: 32
heartbeat_seconds: 15
unsubscribe_grace_seconds: 45
degradation:
  sample_interval_seconds: 5
  light_occupancy: 0.60
  reject_every_n: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat-01", cfg.NodeID)
	assert.Equal(t, "9090", cfg.APIPort)
	assert.Equal(t, "9091", cfg.WebSocketPort)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "hunter2", cfg.RedisPassword)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 5000, cfg.MaxConnections)
	assert.Equal(t, 32, cfg.ShardCount)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.UnsubscribeGrace)
	assert.Equal(t, 5*time.Second, cfg.Degradation.SampleInterval)
	assert.Equal(t, 0.60, cfg.Degradation.LightOccupancy)
	assert.Equal(t, 4, cfg.Degradation.RejectEveryN)

	// Unset YAML fields keep their defaults.
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, 0.85, cfg.Degradation.MediumOccupancy)
}

func TestLoadRejectsMalformedYaml(t *testing.T) {
	path := writeConfigFile(t, "node_id: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverYaml(t *testing.T) {
	path := writeConfigFile(t, `
node_id: from-yaml
max_connections: 5000
`)
	t.Setenv("NODE_ID", "from-env")
	t.Setenv("REDIS_ADDR", "override:6379")
	t.Setenv("API_PORT", "7070")
	t.Setenv("MAX_CONNECTIONS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, "override:6379", cfg.RedisAddr)
	assert.Equal(t, "7070", cfg.APIPort)
	assert.Equal(t, 250, cfg.MaxConnections)
}

func TestValidateRejectsBadShardCount(t *testing.T) {
	cfg := Defaults()
	cfg.ShardCount = 48
	assert.Error(t, cfg.Validate())

	cfg.ShardCount = 0
	assert.Error(t, cfg.Validate())

	cfg.ShardCount = 128
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.NodeID = ""
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.MaxConnections = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsInvalidShardCountFromYaml(t *testing.T) {
	path := writeConfigFile(t, "shard_count: 31")
	_, err := Load(path)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.Timeout())
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 0, cfg.Conversation.PinnedLimit)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
app:
  node_id: 7
database:
  driver: memory
conversation:
  pinned_limit: 5
redis:
  host: cache
  port: 6380
`)
	t.Setenv("MESSENGER_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.App.NodeID)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Conversation.PinnedLimit)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "from-env", cfg.JWT.SecretKey)
	assert.Equal(t, "cache:6380", cfg.Redis.GetAddr())
}

func TestLoad_Invalid(t *testing.T) {
	path := writeConfig(t, "app:\n  node_id: 4096\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "database:\n  driver: mongo\n")
	_, err = Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDump_MasksSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Database.Password = "hunter2"

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "change-me")
	assert.Contains(t, string(out), "interval: 30s")
}

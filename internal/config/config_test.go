package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SELF_USER_ID", "alice")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "alice", cfg.SelfUserID)
	assert.Equal(t, RealtimePostgres, cfg.RealtimeDriver)
	assert.Equal(t, "chat.messages", cfg.AMQPExchange)
	assert.Equal(t, "chat-images", cfg.StorageBucket)
	assert.Equal(t, "audit.chat", cfg.AuditRoutingKey)
	assert.Equal(t, 30, cfg.PageSize)
	assert.Equal(t, 3*time.Second, cfg.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.PushDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.SettleDelay)
	assert.Equal(t, time.Second, cfg.PeerKeyRetryDelay)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SELF_USER_ID", "bob")
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("REALTIME_DRIVER", "websocket")
	t.Setenv("REALTIME_WS_URL", "ws://gateway/realtime")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, RealtimeWebSocket, cfg.RealtimeDriver)
}

func TestFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing self user", env: map[string]string{}},
		{name: "bad page size", env: map[string]string{"SELF_USER_ID": "a", "PAGE_SIZE": "many"}},
		{name: "zero page size", env: map[string]string{"SELF_USER_ID": "a", "PAGE_SIZE": "0"}},
		{name: "bad duration", env: map[string]string{"SELF_USER_ID": "a", "PUSH_DELAY": "soon"}},
		{name: "unknown driver", env: map[string]string{"SELF_USER_ID": "a", "REALTIME_DRIVER": "carrier-pigeon"}},
		{name: "websocket without url", env: map[string]string{"SELF_USER_ID": "a", "REALTIME_DRIVER": "websocket"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SELF_USER_ID", "")
			os.Unsetenv("SELF_USER_ID")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SELF_USER_ID=from-file\nPORT=9999\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("SELF_USER_ID", "")
	os.Unsetenv("SELF_USER_ID")
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.SelfUserID)
	assert.Equal(t, "9999", cfg.Port)

	os.Unsetenv("SELF_USER_ID")
	os.Unsetenv("PORT")
}

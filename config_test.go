package whisperlink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := writeConfig(t, `
user_id: alice
relay_url: wss://relay.example.com/ws
store_path: /var/lib/whisperlink
backup_path: /home/alice/.whisperlink/backup.json
reconnect_base_delay_ms: 500
max_reconnect_attempts: 5
`)
		config, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, "alice", config.UserID)
		assert.Equal(t, "wss://relay.example.com/ws", config.RelayURL)
		assert.Equal(t, 500, config.ReconnectBaseDelayMS)
		assert.Equal(t, 5, config.MaxReconnectAttempts)
		assert.Zero(t, config.HeartbeatIntervalS, "unset tuning stays zero for defaults")
	})

	t.Run("missing user_id", func(t *testing.T) {
		path := writeConfig(t, "relay_url: ws://x\nstore_path: /tmp/wl\n")
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "user_id")
	})

	t.Run("missing relay_url", func(t *testing.T) {
		path := writeConfig(t, "user_id: alice\nstore_path: /tmp/wl\n")
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "relay_url")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "user_id: [unclosed\n")
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("absent file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

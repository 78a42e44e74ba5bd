package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddress)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2, cfg.Game.MinPlayers)
	assert.Equal(t, 30*time.Second, cfg.Game.TurnTimeout)
	assert.Equal(t, 64, cfg.Emitter.QueueSize)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "cardroom-server", cfg.Telemetry.ServiceName)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_address: ":9000"
  allowed_origins: ["https://play.example.com"]
game:
  max_players: 4
  turn_timeout: 45s
emitter:
  keep_alive: 5s
  idle_timeout: 20s
database:
  driver: sqlite
  path: /tmp/cardroom.db
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.HTTPAddress)
	assert.Equal(t, []string{"https://play.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 4, cfg.Game.MaxPlayers)
	assert.Equal(t, 45*time.Second, cfg.Game.TurnTimeout)
	assert.Equal(t, 5*time.Second, cfg.Emitter.KeepAlive)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 3, cfg.Game.TotalRounds, "unset keys keep their defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_address: ":9000"
`)
	t.Setenv("CARDROOM_SERVER_HTTP_ADDRESS", ":7000")
	t.Setenv("CARDROOM_GAME_TURN_TIMEOUT", "10s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.HTTPAddress)
	assert.Equal(t, 10*time.Second, cfg.Game.TurnTimeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"players":   "game:\n  min_players: 5\n  max_players: 3\n",
		"keepalive": "emitter:\n  keep_alive: 2m\n  idle_timeout: 1m\n",
		"driver":    "database:\n  driver: mongo\n",
		"postgres":  "database:\n  driver: postgres\n",
		"rounds":    "game:\n  total_rounds: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [not, a, map"))
	assert.Error(t, err)
}

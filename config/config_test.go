package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var relayVars = []string{
	"HOST", "PORT", "SQLITE_DATA_DIR", "WHITELIST_PUBKEYS", "ADMIN_PUBKEYS",
	"RATE_LIMIT_MAX_CONNECTIONS", "RATE_LIMIT_EVENTS_PER_WINDOW", "RATE_LIMIT_WINDOW_MS",
	"HTTP_RATE_LIMIT_RPS", "HTTP_RATE_LIMIT_BURST", "QUERY_DEFAULT_LIMIT", "QUERY_MAX_LIMIT",
	"MAX_MESSAGE_BYTES", "RELAY_NAME", "RELAY_DESCRIPTION", "RELAY_CONTACT", "RELAY_PUBKEY", "RELAY_URL", "LOG_LEVEL",
}

// clearEnv blanks every relay variable for the duration of the test.
func clearEnv(t *testing.T) {
	for _, k := range relayVars {
		t.Setenv(k, "")
	}
}

func TestParseDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Parse()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Empty(t, cfg.WhitelistPubkeys)
	assert.Equal(t, 10, cfg.MaxConnectionsPerIP)
	assert.Equal(t, 10, cfg.EventsPerWindow)
	assert.Equal(t, time.Second, cfg.EventWindow)
	assert.Equal(t, 500, cfg.QueryDefaultLimit)
	assert.Equal(t, 5000, cfg.QueryMaxLimit)
	assert.Equal(t, int64(1<<20), cfg.MaxMessageBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestParseOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "7777")
	t.Setenv("WHITELIST_PUBKEYS", " AA , ,bb,")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "250")
	t.Setenv("HTTP_RATE_LIMIT_RPS", "2.5")
	t.Setenv("QUERY_MAX_LIMIT", "not a number")

	cfg := Parse()
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, []string{"aa", "bb"}, cfg.WhitelistPubkeys)
	assert.Equal(t, 250*time.Millisecond, cfg.EventWindow)
	assert.Equal(t, 2.5, cfg.HTTPRateLimitRPS)
	assert.Equal(t, 5000, cfg.QueryMaxLimit, "unparseable values fall back to the default")
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearEnv(t)
	os.Unsetenv("RELAY_NAME")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_NAME=from-file\nPORT=9999\n"), 0o600))
	t.Setenv("PORT", "1234")
	t.Cleanup(func() { os.Unsetenv("RELAY_NAME") })

	cfg := Load(path)
	assert.Equal(t, "from-file", cfg.RelayName)
	assert.Equal(t, 1234, cfg.Port, "existing environment wins over the file")
}

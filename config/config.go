// Package config loads relay settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultHost    = "0.0.0.0"
	DefaultPort    = 8080
	DefaultDataDir = "./data"
)

type Config struct {
	Host    string
	Port    int
	DataDir string

	WhitelistPubkeys []string
	AdminPubkeys     []string

	MaxConnectionsPerIP int
	EventsPerWindow     int
	EventWindow         time.Duration
	HTTPRateLimitRPS    float64
	HTTPRateLimitBurst  int

	QueryDefaultLimit int
	QueryMaxLimit     int
	MaxMessageBytes   int64

	RelayName        string
	RelayDescription string
	RelayContact     string
	RelayPubkey      string
	RelayURL         string

	LogLevel string
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads an optional .env file into the process environment (without
// overriding variables already set) and parses the configuration.
func Load(envFiles ...string) Config {
	_ = godotenv.Load(envFiles...)
	return Parse()
}

// Parse builds the configuration from the current environment.
func Parse() Config {
	return Config{
		Host:    getString("HOST", DefaultHost),
		Port:    getInt("PORT", DefaultPort),
		DataDir: getString("SQLITE_DATA_DIR", DefaultDataDir),

		WhitelistPubkeys: parseKeys(getString("WHITELIST_PUBKEYS", "")),
		AdminPubkeys:     parseKeys(getString("ADMIN_PUBKEYS", "")),

		MaxConnectionsPerIP: getInt("RATE_LIMIT_MAX_CONNECTIONS", 10),
		EventsPerWindow:     getInt("RATE_LIMIT_EVENTS_PER_WINDOW", 10),
		EventWindow:         time.Duration(getInt("RATE_LIMIT_WINDOW_MS", 1000)) * time.Millisecond,
		HTTPRateLimitRPS:    getFloat("HTTP_RATE_LIMIT_RPS", 20),
		HTTPRateLimitBurst:  getInt("HTTP_RATE_LIMIT_BURST", 40),

		QueryDefaultLimit: getInt("QUERY_DEFAULT_LIMIT", 500),
		QueryMaxLimit:     getInt("QUERY_MAX_LIMIT", 5000),
		MaxMessageBytes:   int64(getInt("MAX_MESSAGE_BYTES", 1<<20)),

		RelayName:        getString("RELAY_NAME", "relay"),
		RelayDescription: getString("RELAY_DESCRIPTION", "Private community relay"),
		RelayContact:     getString("RELAY_CONTACT", ""),
		RelayPubkey:      getString("RELAY_PUBKEY", ""),
		RelayURL:         getString("RELAY_URL", ""),

		LogLevel: strings.ToLower(getString("LOG_LEVEL", "info")),
	}
}

// parseKeys splits a comma separated pubkey list, lowercasing entries and
// dropping blanks.
func parseKeys(csv string) []string {
	var keys []string
	for _, k := range strings.Split(csv, ",") {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/filip-strelec/pokedex-terminal/internal/mode"
)

// Config holds all configuration for the terminal bridge server.
type Config struct {
	Port     int
	AdminKey string // Guards the /sessions endpoints; empty disables the check

	// Child programs
	AppDir        string // Working directory of spawned programs
	PrimaryCmd    string // e.g. "node index.js"
	RestrictedCmd string // e.g. "node restricted-shell.js"

	// Browser client
	StaticDir string

	// Session journal: Postgres if DatabaseURL is set, SQLite under DataDir otherwise
	DatabaseURL string
	DataDir     string

	// NATS event publishing (disabled when empty)
	NATSURL string

	// Redis heartbeat (disabled when empty)
	RedisURL string

	// Instance identity
	InstanceID string
	HTTPAddr   string // Address advertised in heartbeats

	// Standalone metrics listener; empty serves /metrics on the main port
	MetricsAddr string

	HandshakeTimeout time.Duration
	KillGrace        time.Duration
	MaxSessions      int // 0 = unlimited
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "termbridge-local"
	}

	cfg := &Config{
		Port:     3000,
		AdminKey: os.Getenv("TERMBRIDGE_ADMIN_KEY"),

		AppDir:        envOrDefault("TERMBRIDGE_APP_DIR", cwd),
		PrimaryCmd:    envOrDefault("TERMBRIDGE_PRIMARY_CMD", "node index.js"),
		RestrictedCmd: envOrDefault("TERMBRIDGE_RESTRICTED_CMD", "node restricted-shell.js"),

		DatabaseURL: envOrDefault("TERMBRIDGE_DATABASE_URL", os.Getenv("DATABASE_URL")),
		DataDir:     envOrDefault("TERMBRIDGE_DATA_DIR", "/data/termbridge"),
		NATSURL:     os.Getenv("TERMBRIDGE_NATS_URL"),
		RedisURL:    os.Getenv("TERMBRIDGE_REDIS_URL"),
		InstanceID:  envOrDefault("TERMBRIDGE_INSTANCE_ID", hostname),
		MetricsAddr: os.Getenv("TERMBRIDGE_METRICS_ADDR"),

		HandshakeTimeout: time.Duration(envOrDefaultInt("TERMBRIDGE_HANDSHAKE_TIMEOUT_SEC", 10)) * time.Second,
		KillGrace:        time.Duration(envOrDefaultInt("TERMBRIDGE_KILL_GRACE_SEC", 3)) * time.Second,
		MaxSessions:      envOrDefaultInt("TERMBRIDGE_MAX_SESSIONS", 0),
	}
	cfg.StaticDir = envOrDefault("TERMBRIDGE_STATIC_DIR", filepath.Join(cfg.AppDir, "public"))

	portStr := os.Getenv("TERMBRIDGE_PORT")
	if portStr == "" {
		portStr = os.Getenv("PORT")
	}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", portStr)
		}
		cfg.Port = port
	}
	cfg.HTTPAddr = envOrDefault("TERMBRIDGE_HTTP_ADDR", fmt.Sprintf("http://%s:%d", hostname, cfg.Port))

	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("invalid TERMBRIDGE_MAX_SESSIONS %d", cfg.MaxSessions)
	}

	return cfg, nil
}

// Registry builds the mode registry from the configured commands. The
// environment each mode adds on top of the server's own is fixed.
func (c *Config) Registry() (*mode.Registry, error) {
	primary := strings.Fields(c.PrimaryCmd)
	if len(primary) == 0 {
		return nil, fmt.Errorf("TERMBRIDGE_PRIMARY_CMD is empty")
	}
	restricted := strings.Fields(c.RestrictedCmd)
	if len(restricted) == 0 {
		return nil, fmt.Errorf("TERMBRIDGE_RESTRICTED_CMD is empty")
	}

	defaults := mode.DefaultRegistry()
	p := defaults.Get(mode.Primary)
	p.Program, p.Args = primary[0], primary[1:]
	r := defaults.Get(mode.Restricted)
	r.Program, r.Args = restricted[0], restricted[1:]
	return mode.NewRegistry(p, r), nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

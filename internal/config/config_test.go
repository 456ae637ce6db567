package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/filip-strelec/pokedex-terminal/internal/mode"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PORT", "DATABASE_URL", "TERMBRIDGE_ADMIN_KEY",
		"TERMBRIDGE_PORT", "TERMBRIDGE_APP_DIR", "TERMBRIDGE_PRIMARY_CMD", "TERMBRIDGE_RESTRICTED_CMD",
		"TERMBRIDGE_STATIC_DIR", "TERMBRIDGE_DATA_DIR", "TERMBRIDGE_DATABASE_URL", "TERMBRIDGE_NATS_URL",
		"TERMBRIDGE_REDIS_URL", "TERMBRIDGE_INSTANCE_ID", "TERMBRIDGE_HTTP_ADDR", "TERMBRIDGE_METRICS_ADDR",
		"TERMBRIDGE_HANDSHAKE_TIMEOUT_SEC", "TERMBRIDGE_KILL_GRACE_SEC", "TERMBRIDGE_MAX_SESSIONS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 3000 {
		t.Errorf("expected port 3000, got %d", cfg.Port)
	}
	if cfg.PrimaryCmd != "node index.js" {
		t.Errorf("expected default primary command, got %q", cfg.PrimaryCmd)
	}
	if cfg.RestrictedCmd != "node restricted-shell.js" {
		t.Errorf("expected default restricted command, got %q", cfg.RestrictedCmd)
	}
	if cfg.StaticDir != filepath.Join(cfg.AppDir, "public") {
		t.Errorf("expected static dir under app dir, got %s", cfg.StaticDir)
	}
	if cfg.DataDir != "/data/termbridge" {
		t.Errorf("expected data dir /data/termbridge, got %s", cfg.DataDir)
	}
	if cfg.HandshakeTimeout != 10*time.Second || cfg.KillGrace != 3*time.Second {
		t.Errorf("unexpected timeouts: handshake=%s grace=%s", cfg.HandshakeTimeout, cfg.KillGrace)
	}
	if cfg.MaxSessions != 0 {
		t.Errorf("expected unlimited sessions, got %d", cfg.MaxSessions)
	}
	if cfg.NATSURL != "" || cfg.RedisURL != "" || cfg.DatabaseURL != "" {
		t.Errorf("expected optional backends disabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("TERMBRIDGE_PORT", "9999")
	t.Setenv("TERMBRIDGE_APP_DIR", "/srv/app")
	t.Setenv("TERMBRIDGE_MAX_SESSIONS", "25")
	t.Setenv("TERMBRIDGE_KILL_GRACE_SEC", "1")
	t.Setenv("DATABASE_URL", "postgres://localhost/bridge")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Port)
	}
	if cfg.StaticDir != "/srv/app/public" {
		t.Errorf("expected /srv/app/public, got %s", cfg.StaticDir)
	}
	if cfg.MaxSessions != 25 {
		t.Errorf("expected 25 max sessions, got %d", cfg.MaxSessions)
	}
	if cfg.KillGrace != time.Second {
		t.Errorf("expected 1s grace, got %s", cfg.KillGrace)
	}
	if cfg.DatabaseURL != "postgres://localhost/bridge" {
		t.Errorf("expected DATABASE_URL fallback, got %q", cfg.DatabaseURL)
	}
}

func TestLoadPlainPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8081")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Port != 8081 {
		t.Errorf("expected PORT to be honored, got %d", cfg.Port)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	for _, port := range []string{"not-a-number", "0", "70000"} {
		clearEnv(t)
		t.Setenv("TERMBRIDGE_PORT", port)
		if _, err := Load(); err == nil {
			t.Errorf("expected error for port %q, got nil", port)
		}
	}
}

func TestRegistry(t *testing.T) {
	clearEnv(t)
	t.Setenv("TERMBRIDGE_PRIMARY_CMD", "python3 -u app.py")
	t.Setenv("TERMBRIDGE_RESTRICTED_CMD", "/bin/rbash")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}

	p := reg.Get(mode.Primary)
	if p.Program != "python3" || len(p.Args) != 2 || p.Args[1] != "app.py" {
		t.Errorf("unexpected primary profile %+v", p)
	}
	if p.StateEnv != "CAUGHT_INIT" {
		t.Errorf("primary should keep its state variable, got %q", p.StateEnv)
	}
	r := reg.Get(mode.Restricted)
	if r.Program != "/bin/rbash" || len(r.Args) != 0 {
		t.Errorf("unexpected restricted profile %+v", r)
	}

	cfg.PrimaryCmd = "   "
	if _, err := cfg.Registry(); err == nil {
		t.Error("expected error for empty primary command")
	}
}

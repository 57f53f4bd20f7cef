package config

import (
	"errors"
	"testing"
	"time"
)

var relayKeys = []string{
	"APP_PORT", "DATABASE_DRIVER", "DATABASE_DSN", "JWT_SECRET", "APP_ENV", "LOG_LEVEL",
	"RELAY_REQUIRE_TOKEN", "RELAY_HEARTBEAT_INTERVAL", "RELAY_HEARTBEAT_GRACE",
	"RELAY_TYPING_TTL", "RELAY_MEMBERSHIP_TTL", "RELAY_PERSIST_TIMEOUT", "RELAY_SEND_QUEUE",
	"RELAY_MAX_FRAME_BYTES", "RELAY_MESSAGE_RATE", "RELAY_MESSAGE_BURST", "RELAY_HISTORY_LIMIT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range relayKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Load() Port = %v, want 8080", cfg.Port)
	}
	if cfg.Env != "dev" {
		t.Errorf("Load() Env = %v, want dev", cfg.Env)
	}
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("Load() DatabaseDriver = %v, want postgres", cfg.DatabaseDriver)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("Load() HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatGrace != 2 {
		t.Errorf("Load() HeartbeatGrace = %v, want 2", cfg.HeartbeatGrace)
	}
	if cfg.TypingTTL != 5*time.Second {
		t.Errorf("Load() TypingTTL = %v, want 5s", cfg.TypingTTL)
	}
	if cfg.MembershipTTL != 0 {
		t.Errorf("Load() MembershipTTL = %v, want 0", cfg.MembershipTTL)
	}
	if cfg.RequireToken {
		t.Error("Load() RequireToken = true, want false")
	}
	if cfg.SendQueueSize != 256 {
		t.Errorf("Load() SendQueueSize = %v, want 256", cfg.SendQueueSize)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_PORT", "9090")
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_DSN", "file:relay.db")
	t.Setenv("JWT_SECRET", "my-secret")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("RELAY_REQUIRE_TOKEN", "true")
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("RELAY_HEARTBEAT_GRACE", "3")
	t.Setenv("RELAY_TYPING_TTL", "8")
	t.Setenv("RELAY_MEMBERSHIP_TTL", "1m")
	t.Setenv("RELAY_MESSAGE_RATE", "2.5")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Load() Port = %v, want 9090", cfg.Port)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("Load() DatabaseDriver = %v, want sqlite", cfg.DatabaseDriver)
	}
	if cfg.DatabaseDSN != "file:relay.db" {
		t.Errorf("Load() DatabaseDSN = %v, want file:relay.db", cfg.DatabaseDSN)
	}
	if cfg.JWTSecret != "my-secret" {
		t.Errorf("Load() JWTSecret = %v, want my-secret", cfg.JWTSecret)
	}
	if !cfg.RequireToken {
		t.Error("Load() RequireToken = false, want true")
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("Load() HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatGrace != 3 {
		t.Errorf("Load() HeartbeatGrace = %v, want 3", cfg.HeartbeatGrace)
	}
	if cfg.TypingTTL != 8*time.Second {
		t.Errorf("Load() TypingTTL = %v, want 8s", cfg.TypingTTL)
	}
	if cfg.MembershipTTL != time.Minute {
		t.Errorf("Load() MembershipTTL = %v, want 1m", cfg.MembershipTTL)
	}
	if cfg.MessageRate != 2.5 {
		t.Errorf("Load() MessageRate = %v, want 2.5", cfg.MessageRate)
	}
}

func TestLoad_TokenRequiredOutsideDev(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "prod")

	cfg := Load()

	if !cfg.RequireToken {
		t.Error("Load() RequireToken = false, want true outside dev")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_HEARTBEAT_INTERVAL", "soon")
	t.Setenv("RELAY_HEARTBEAT_GRACE", "-5")
	t.Setenv("RELAY_SEND_QUEUE", "lots")
	t.Setenv("RELAY_REQUIRE_TOKEN", "maybe")

	cfg := Load()

	// Should fall back to defaults
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("Load() HeartbeatInterval = %v, want 30s (default)", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatGrace != 2 {
		t.Errorf("Load() HeartbeatGrace = %v, want 2 (default)", cfg.HeartbeatGrace)
	}
	if cfg.SendQueueSize != 256 {
		t.Errorf("Load() SendQueueSize = %v, want 256 (default)", cfg.SendQueueSize)
	}
	if cfg.RequireToken {
		t.Error("Load() RequireToken = true, want false (default)")
	}
}

func TestValidate(t *testing.T) {
	base := Config{
		Port:           "8080",
		DatabaseDriver: "postgres",
		DatabaseDSN:    "postgres://localhost/test",
		JWTSecret:      "production-secret-key",
		Env:            "prod",
		RequireToken:   true,
	}
	with := func(mod func(*Config)) Config {
		c := base
		mod(&c)
		return c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid prod config", base, false},
		{"valid dev config with default secret", with(func(c *Config) { c.Env = "dev"; c.JWTSecret = defaultSecret }), false},
		{"sqlite driver", with(func(c *Config) { c.DatabaseDriver = "sqlite" }), false},
		{"empty port", with(func(c *Config) { c.Port = "" }), true},
		{"empty dsn", with(func(c *Config) { c.DatabaseDSN = "" }), true},
		{"unknown driver", with(func(c *Config) { c.DatabaseDriver = "mysql" }), true},
		{"default secret in prod", with(func(c *Config) { c.JWTSecret = defaultSecret }), true},
		{"default secret in test env", with(func(c *Config) { c.Env = "test"; c.JWTSecret = defaultSecret }), true},
		{"empty secret in prod", with(func(c *Config) { c.JWTSecret = "" }), true},
		{"prod without token requirement", with(func(c *Config) { c.RequireToken = false }), true},
		{"dev without token requirement", with(func(c *Config) { c.Env = "dev"; c.RequireToken = false }), false},
		{"negative typing ttl", with(func(c *Config) { c.TypingTTL = -time.Second }), true},
		{"negative send queue", with(func(c *Config) { c.SendQueueSize = -1 }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultSecret = "dev-secret-change-me"

type Config struct {
	Port           string
	DatabaseDriver string
	DatabaseDSN    string
	JWTSecret      string
	Env            string
	LogLevel       string

	// RequireToken makes the JWT in the auth frame mandatory.
	RequireToken      bool
	HeartbeatInterval time.Duration
	HeartbeatGrace    int
	TypingTTL         time.Duration
	MembershipTTL     time.Duration
	PersistTimeout    time.Duration
	SendQueueSize     int
	MaxFrameBytes     int64
	MessageRate       float64
	MessageBurst      int
	HistoryLimit      int
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法或非正值回退到默认值。
func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

// getduration accepts Go durations ("30s") and plain seconds ("30").
func getduration(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func getbool(key string, def bool) bool {
	b, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return def
	}
	return b
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first when present; real environment variables
// win over it.
func Load() Config {
	_ = godotenv.Load()

	env := getenv("APP_ENV", "dev")
	return Config{
		Port:              getenv("APP_PORT", "8080"),
		DatabaseDriver:    strings.ToLower(getenv("DATABASE_DRIVER", "postgres")),
		DatabaseDSN:       getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chatrelay port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:         getenv("JWT_SECRET", defaultSecret),
		Env:               env,
		LogLevel:          getenv("LOG_LEVEL", "info"),
		RequireToken:      getbool("RELAY_REQUIRE_TOKEN", env != "dev"),
		HeartbeatInterval: getduration("RELAY_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatGrace:    getint("RELAY_HEARTBEAT_GRACE", 2),
		TypingTTL:         getduration("RELAY_TYPING_TTL", 5*time.Second),
		MembershipTTL:     getduration("RELAY_MEMBERSHIP_TTL", 0),
		PersistTimeout:    getduration("RELAY_PERSIST_TIMEOUT", 5*time.Second),
		SendQueueSize:     getint("RELAY_SEND_QUEUE", 256),
		MaxFrameBytes:     int64(getint("RELAY_MAX_FRAME_BYTES", 64<<10)),
		MessageRate:       getfloat("RELAY_MESSAGE_RATE", 5),
		MessageBurst:      getint("RELAY_MESSAGE_BURST", 20),
		HistoryLimit:      getint("RELAY_HISTORY_LIMIT", 50),
	}
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate 在启动前检查配置，非 dev 环境禁止使用默认密钥，且必须校验 auth 帧中的 token。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return fmt.Errorf("%w: APP_PORT is empty", ErrInvalidConfig)
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("%w: DATABASE_DSN is empty", ErrInvalidConfig)
	}
	switch cfg.DatabaseDriver {
	case "", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unsupported DATABASE_DRIVER %q", ErrInvalidConfig, cfg.DatabaseDriver)
	}
	if cfg.Env != "dev" && (cfg.JWTSecret == "" || cfg.JWTSecret == defaultSecret) {
		return fmt.Errorf("%w: JWT_SECRET must be set outside dev", ErrInvalidConfig)
	}
	if cfg.Env != "dev" && !cfg.RequireToken {
		return fmt.Errorf("%w: RELAY_REQUIRE_TOKEN must be enabled outside dev", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval < 0 || cfg.TypingTTL < 0 || cfg.PersistTimeout < 0 || cfg.MembershipTTL < 0 {
		return fmt.Errorf("%w: relay timings must not be negative", ErrInvalidConfig)
	}
	if cfg.HeartbeatGrace < 0 || cfg.SendQueueSize < 0 || cfg.MessageBurst < 0 {
		return fmt.Errorf("%w: relay limits must not be negative", ErrInvalidConfig)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName           = "KigiPay"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultCurrency          = "RWF"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultReversalWindow    = 24 * time.Hour
	defaultApprovalThreshold = 500_000
	defaultMaxRetries        = 3
	defaultCallbackSLA       = 15 * time.Minute
	defaultSweepInterval     = time.Minute
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	// LimitsFile points at the JSON tier limit table. Empty means the
	// compiled-in defaults.
	LimitsFile string

	// ServiceTokenHash is the bcrypt hash guarding callback and report
	// endpoints. Empty leaves them open.
	ServiceTokenHash string

	Currency          string
	ReversalWindow    time.Duration
	ApprovalThreshold int64
	MaxRetries        int32
	CallbackSLA       time.Duration
	SweepInterval     time.Duration

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
}

// Load reads configuration from the environment, consulting a local .env
// file first when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		LimitsFile:        os.Getenv("LIMITS_FILE"),
		ServiceTokenHash:  os.Getenv("SERVICE_TOKEN_HASH"),
		Currency:          getEnv("CURRENCY", defaultCurrency),
		ReversalWindow:    defaultReversalWindow,
		ApprovalThreshold: defaultApprovalThreshold,
		MaxRetries:        defaultMaxRetries,
		CallbackSLA:       defaultCallbackSLA,
		SweepInterval:     defaultSweepInterval,
		ShutdownPeriod:    defaultShutdownDelay,
		IdempotencyTTL:    defaultIdempotencyTTL,
	}

	var err error
	if cfg.ReversalWindow, err = durationEnv("REVERSAL_WINDOW", cfg.ReversalWindow); err != nil {
		return Config{}, err
	}
	if cfg.CallbackSLA, err = durationEnv("CALLBACK_SLA", cfg.CallbackSLA); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownPeriod, err = durationEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv("IDEMPOTENCY_TTL", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("APPROVAL_THRESHOLD"); v != "" {
		threshold, err := strconv.ParseInt(v, 10, 64)
		if err != nil || threshold <= 0 {
			return Config{}, fmt.Errorf("invalid APPROVAL_THRESHOLD: %q", v)
		}
		cfg.ApprovalThreshold = threshold
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		retries, err := strconv.ParseInt(v, 10, 32)
		if err != nil || retries < 0 {
			return Config{}, fmt.Errorf("invalid MAX_RETRIES: %q", v)
		}
		cfg.MaxRetries = int32(retries)
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

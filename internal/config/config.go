package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultAppName         = "Payrail"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultDispatchTimeout = 15 * time.Second
	defaultDispatchTries   = 3
	defaultRetryBase       = 500 * time.Millisecond
	defaultLockTTL         = 30 * time.Second
	defaultPollInterval    = time.Minute
	defaultPollGrace       = 2 * time.Minute
)

// ProviderConfig carries one payout provider's credentials and endpoint.
type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Enabled reports whether the provider has credentials configured.
func (p ProviderConfig) Enabled() bool { return p.BaseURL != "" && p.APIKey != "" }

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Dispatch and reconciliation tuning.
	DispatchTimeout     time.Duration
	MaxDispatchAttempts int
	RetryBaseDelay      time.Duration
	LockTTL             time.Duration
	ReconcileInterval   time.Duration
	ReconcileGrace      time.Duration

	// CallbackBaseURL is the externally reachable base URL providers deliver
	// webhooks to.
	CallbackBaseURL string

	// AutoApproveLimits holds per-asset thresholds below which withdrawals
	// with payout history skip manual review. Assets not listed always
	// require review.
	AutoApproveLimits map[string]decimal.Decimal

	Orbitpay  ProviderConfig
	Chainout  ProviderConfig
	Finbridge ProviderConfig
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:             getEnv("APP_NAME", defaultAppName),
		AppEnv:              getEnv("APP_ENV", defaultAppEnv),
		Port:                getEnv("PORT", defaultPort),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		ShutdownPeriod:      defaultShutdownDelay,
		IdempotencyTTL:      defaultIdempotencyTTL,
		DispatchTimeout:     defaultDispatchTimeout,
		MaxDispatchAttempts: defaultDispatchTries,
		RetryBaseDelay:      defaultRetryBase,
		LockTTL:             defaultLockTTL,
		ReconcileInterval:   defaultPollInterval,
		ReconcileGrace:      defaultPollGrace,
		CallbackBaseURL:     strings.TrimRight(os.Getenv("CALLBACK_BASE_URL"), "/"),
		Orbitpay:            providerFromEnv("ORBITPAY"),
		Chainout:            providerFromEnv("CHAINOUT"),
		Finbridge:           providerFromEnv("FINBRIDGE"),
	}

	for _, d := range []struct {
		key    string
		target *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"DISPATCH_TIMEOUT", &cfg.DispatchTimeout},
		{"DISPATCH_RETRY_BASE", &cfg.RetryBaseDelay},
		{"DISPATCH_LOCK_TTL", &cfg.LockTTL},
		{"RECONCILE_INTERVAL", &cfg.ReconcileInterval},
		{"RECONCILE_GRACE", &cfg.ReconcileGrace},
	} {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.target = parsed
		}
	}

	if v := os.Getenv("DISPATCH_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS: %q", v)
		}
		cfg.MaxDispatchAttempts = n
	}

	limits, err := parseLimits(os.Getenv("AUTO_APPROVE_LIMITS"))
	if err != nil {
		return Config{}, err
	}
	cfg.AutoApproveLimits = limits

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", cfg.AppEnv)
		}
	}

	return cfg, nil
}

// parseLimits reads "USDT=500,BTC=0.01" into per-asset thresholds.
func parseLimits(raw string) (map[string]decimal.Decimal, error) {
	limits := make(map[string]decimal.Decimal)
	if raw == "" {
		return limits, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		asset, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid AUTO_APPROVE_LIMITS entry %q", pair)
		}
		threshold, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid AUTO_APPROVE_LIMITS threshold for %s: %w", asset, err)
		}
		limits[strings.ToUpper(strings.TrimSpace(asset))] = threshold
	}
	return limits, nil
}

func providerFromEnv(prefix string) ProviderConfig {
	return ProviderConfig{
		BaseURL:       strings.TrimRight(os.Getenv(prefix+"_BASE_URL"), "/"),
		APIKey:        os.Getenv(prefix + "_API_KEY"),
		WebhookSecret: os.Getenv(prefix + "_WEBHOOK_SECRET"),
	}
}

// IsDev reports whether the app runs in a development environment, where
// in-memory backends may substitute for Postgres and Redis.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

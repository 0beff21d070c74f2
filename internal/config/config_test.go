package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Port)
	}
	if cfg.MaxDispatchAttempts != 3 {
		t.Fatalf("max dispatch attempts = %d, want 3", cfg.MaxDispatchAttempts)
	}
	if !cfg.IsDev() {
		t.Fatal("development env should report IsDev")
	}
	if len(cfg.AutoApproveLimits) != 0 {
		t.Fatalf("limits = %v, want empty", cfg.AutoApproveLimits)
	}
}

func TestLoadRequiresBackendsOutsideDev(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL in production")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/payrail")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without REDIS_URL in production")
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestLoadParsesSettlementKnobs(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DISPATCH_TIMEOUT", "5s")
	t.Setenv("DISPATCH_MAX_ATTEMPTS", "7")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("AUTO_APPROVE_LIMITS", "usdt=500, BTC=0.01")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DispatchTimeout != 5*time.Second {
		t.Fatalf("dispatch timeout = %v", cfg.DispatchTimeout)
	}
	if cfg.MaxDispatchAttempts != 7 {
		t.Fatalf("max attempts = %d", cfg.MaxDispatchAttempts)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Fatalf("reconcile interval = %v", cfg.ReconcileInterval)
	}
	if got := cfg.AutoApproveLimits["USDT"].String(); got != "500" {
		t.Fatalf("USDT limit = %s, want 500", got)
	}
	if got := cfg.AutoApproveLimits["BTC"].String(); got != "0.01" {
		t.Fatalf("BTC limit = %s, want 0.01", got)
	}
}

func TestLoadRejectsBadLimits(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTO_APPROVE_LIMITS", "USDT")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed AUTO_APPROVE_LIMITS")
	}
}

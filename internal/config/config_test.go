package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.HTTPPort != "8082" {
		t.Errorf("HTTPPort = %q, want default 8082", cfg.HTTPPort)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("StoreBackend = %q, want default memory", cfg.StoreBackend)
	}
	if cfg.TokenTTL != 8*time.Hour {
		t.Errorf("TokenTTL = %v, want 8h", cfg.TokenTTL)
	}
	if !cfg.AdvisorySkip {
		t.Error("AdvisorySkip should default to true")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("ADVISORY_SKIP", "false")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")

	cfg := Load()
	if cfg.HTTPPort != "9000" {
		t.Errorf("HTTPPort = %q, want 9000", cfg.HTTPPort)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Errorf("TokenTTL = %v, want 30m", cfg.TokenTTL)
	}
	if cfg.AdvisorySkip {
		t.Error("AdvisorySkip should be false")
	}
	if cfg.RateLimitPerMin != 10 {
		t.Errorf("RateLimitPerMin = %d, want 10", cfg.RateLimitPerMin)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("TOKEN_TTL", "not-a-duration")
	t.Setenv("ADVISORY_SKIP", "maybe")
	t.Setenv("RATE_LIMIT_PER_MIN", "many")

	cfg := Load()
	if cfg.TokenTTL != 8*time.Hour {
		t.Errorf("TokenTTL = %v, want fallback 8h", cfg.TokenTTL)
	}
	if !cfg.AdvisorySkip {
		t.Error("AdvisorySkip should fall back to true")
	}
	if cfg.RateLimitPerMin != 120 {
		t.Errorf("RateLimitPerMin = %d, want fallback 120", cfg.RateLimitPerMin)
	}
}

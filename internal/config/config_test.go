package config

import (
	"testing"
	"time"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "hello")
	if v := envStr("TEST_STR", "x"); v != "hello" {
		t.Fatalf("expected hello, got %s", v)
	}
	if v := envStr("TEST_STR_MISSING", "fallback"); v != "fallback" {
		t.Fatalf("expected fallback, got %s", v)
	}

	t.Setenv("TEST_INT", "42")
	if v := envInt("TEST_INT", 0); v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
	t.Setenv("TEST_INT_BAD", "abc")
	if v := envInt("TEST_INT_BAD", 7); v != 7 {
		t.Fatalf("unparseable value should fall back, got %d", v)
	}

	t.Setenv("TEST_FLOAT", "0.25")
	if v := envFloat("TEST_FLOAT", 0); v != 0.25 {
		t.Fatalf("expected 0.25, got %g", v)
	}

	t.Setenv("TEST_DUR", "5s")
	if v := envDuration("TEST_DUR", 0); v != 5*time.Second {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.FeeRate != 0.10 {
		t.Fatalf("expected default fee rate 0.10, got %g", cfg.FeeRate)
	}
	if cfg.SatsPerUSD != 1000 {
		t.Fatalf("expected default 1000 sats/USD, got %d", cfg.SatsPerUSD)
	}
}

func TestValidateRejectsBadFeeRate(t *testing.T) {
	t.Setenv("TAKARA_FEE_RATE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with fee rate above 1")
	}
}

func TestValidateRejectsInvertedThresholds(t *testing.T) {
	t.Setenv("TAKARA_JUDGE_APPROVE_THRESHOLD", "20")
	t.Setenv("TAKARA_JUDGE_REJECT_THRESHOLD", "80")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load() to fail with reject threshold above approve threshold")
	}
}

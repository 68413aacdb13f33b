package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("MAINTASK_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid MAINTASK_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "MAINTASK_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention MAINTASK_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("MAINTASK_PORT", "abc")
	t.Setenv("MAINTASK_TICKER_DELAY", "soon")
	t.Setenv("MAINTASK_OTEL_INSECURE", "perhaps")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, key := range []string{"MAINTASK_PORT", "MAINTASK_TICKER_DELAY", "MAINTASK_OTEL_INSECURE"} {
		if !strings.Contains(got, key) {
			t.Fatalf("error should mention %s, got: %s", key, got)
		}
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("MAINTASK_CONCURRENCY", "0")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MAINTASK_CONCURRENCY") {
		t.Fatalf("expected concurrency validation error, got %v", err)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.TickerDelay != time.Second {
		t.Fatalf("expected default ticker delay 1s, got %s", cfg.TickerDelay)
	}
	if cfg.Queue != "maintenance" {
		t.Fatalf("expected default queue, got %q", cfg.Queue)
	}
}

func TestSQLitePath(t *testing.T) {
	path, ok := Config{DatabaseURL: "sqlite:/var/lib/maintask.db"}.SQLitePath()
	if !ok || path != "/var/lib/maintask.db" {
		t.Fatalf("got %q, %v", path, ok)
	}
	if _, ok := (Config{DatabaseURL: "postgres://x"}).SQLitePath(); ok {
		t.Fatal("postgres url should not select sqlite")
	}
}

func TestLoadRateLimit(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimit != 120 || cfg.RateLimitBackend != "memory" {
		t.Fatalf("unexpected rate limit defaults: %d %q", cfg.RateLimit, cfg.RateLimitBackend)
	}

	t.Setenv("MAINTASK_RATE_LIMIT_BACKEND", "etcd")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MAINTASK_RATE_LIMIT_BACKEND") {
		t.Fatalf("expected backend validation error, got %v", err)
	}
}

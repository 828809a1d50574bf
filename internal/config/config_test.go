package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("VT_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("REPLICATE_API_TOKEN", "r8_test")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.GenerationRetries != 2 || !cfg.RefundFailedGenerations {
		t.Errorf("generation defaults = %d %v, want 2 true", cfg.GenerationRetries, cfg.RefundFailedGenerations)
	}
	if cfg.RateLimitWindow != 15*time.Minute {
		t.Errorf("RateLimitWindow = %v", cfg.RateLimitWindow)
	}
	if cfg.S3.Enabled() {
		t.Error("S3 should be disabled without a bucket")
	}
	if cfg.Secure() {
		t.Error("http base url should not be secure")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("VT_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
	t.Setenv("REPLICATE_API_TOKEN", "")
	t.Setenv("STRIPE_SECRET_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing variables")
	}
	for _, key := range []string{"REPLICATE_API_TOKEN", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q should mention %s", err, key)
		}
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("VT_BASE_URL", "https://tours.example/")
	t.Setenv("GENERATION_RETRIES", "4")
	t.Setenv("REFUND_FAILED_GENERATIONS", "false")
	t.Setenv("RATE_LIMIT_WINDOW", "1m")
	t.Setenv("S3_BUCKET", "tours")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("GENERATION_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://tours.example" || !cfg.Secure() {
		t.Errorf("BaseURL = %q secure=%v", cfg.BaseURL, cfg.Secure())
	}
	if cfg.GenerationRetries != 4 || cfg.RefundFailedGenerations {
		t.Errorf("generation = %d %v, want 4 false", cfg.GenerationRetries, cfg.RefundFailedGenerations)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Errorf("RateLimitWindow = %v, want 1m", cfg.RateLimitWindow)
	}
	if !cfg.S3.Enabled() {
		t.Error("S3 should be enabled")
	}
	if cfg.GenerationTimeout != 10*time.Minute {
		t.Errorf("GenerationTimeout = %v, want fallback 10m", cfg.GenerationTimeout)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("VT_PORT=9191\nREPLICATE_API_TOKEN=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("VT_ENV_FILE", path)
	t.Setenv("REPLICATE_API_TOKEN", "from-env")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("VT_PORT", "")
	os.Unsetenv("VT_PORT")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9191" {
		t.Errorf("Port = %q, want 9191 from file", cfg.Port)
	}
	if cfg.ReplicateToken != "from-env" {
		t.Errorf("ReplicateToken = %q, environment should win", cfg.ReplicateToken)
	}
}

func TestLoadPush(t *testing.T) {
	setRequired(t)
	t.Setenv("FROM_EMAIL", "tours@example.com")
	t.Setenv("VAPID_PUBLIC_KEY", "")
	t.Setenv("VAPID_PRIVATE_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PushEnabled() {
		t.Error("push should be disabled without VAPID keys")
	}
	if cfg.Push.Subscriber != "mailto:tours@example.com" {
		t.Errorf("Subscriber = %q", cfg.Push.Subscriber)
	}

	t.Setenv("VAPID_PUBLIC_KEY", "pub")
	t.Setenv("VAPID_PRIVATE_KEY", "priv")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.PushEnabled() {
		t.Error("push should be enabled with both VAPID keys")
	}
}

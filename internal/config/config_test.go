package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":5000" {
		t.Errorf("Addr = %q, want :5000", cfg.Addr)
	}
	if cfg.AccessTTL != 24*time.Hour {
		t.Errorf("AccessTTL = %s, want 24h", cfg.AccessTTL)
	}
	if cfg.NotifyTimeout != 15*time.Second {
		t.Errorf("NotifyTimeout = %s, want 15s", cfg.NotifyTimeout)
	}
	if cfg.SMTPFromName != "CRM" || cfg.SMTPPort != "587" {
		t.Errorf("unexpected smtp defaults: %+v", cfg)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL should default to empty, got %q", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("API_ADDR", ":9000")
	t.Setenv("CRM_ACCESS_TTL", "90m")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("AUTH_RATE_PER_MINUTE", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.AccessTTL != 90*time.Minute || cfg.AuthRatePerMinute != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Fatalf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"CRM_ACCESS_TTL":       "soon",
		"AUTH_RATE_PER_MINUTE": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RARS_SCREENING_DAYS", "")
	t.Setenv("RARS_TURNAROUND_DAYS", "")
	t.Setenv("RARS_SIGNED_URL_TTL_SECONDS", "")

	cfg := Load()
	if cfg.ScreeningWindow != 7*24*time.Hour {
		t.Fatalf("ScreeningWindow = %v, want 168h", cfg.ScreeningWindow)
	}
	if cfg.TurnaroundWindow != 30*24*time.Hour {
		t.Fatalf("TurnaroundWindow = %v, want 720h", cfg.TurnaroundWindow)
	}
	if cfg.SignedURLTTL != time.Minute {
		t.Fatalf("SignedURLTTL = %v, want 1m", cfg.SignedURLTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RARS_SCREENING_DAYS", "3")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("SMTP_PORT", "not-a-number")
	t.Setenv("RARS_PUBLIC_BASE_URL", "https://portal.example.gov/")
	t.Setenv("RARS_TRUSTED_PROXIES", " 10.0.0.0/8, ,192.0.2.10 ")

	cfg := Load()
	if cfg.ScreeningWindow != 3*24*time.Hour {
		t.Fatalf("ScreeningWindow = %v, want 72h", cfg.ScreeningWindow)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("expected MinioUseSSL to be true")
	}
	if cfg.SMTPPort != 587 {
		t.Fatalf("SMTPPort = %d, want fallback 587", cfg.SMTPPort)
	}
	if cfg.PublicBaseURL != "https://portal.example.gov" {
		t.Fatalf("PublicBaseURL = %q, want trailing slash trimmed", cfg.PublicBaseURL)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "192.0.2.10" {
		t.Fatalf("TrustedProxies = %q", cfg.TrustedProxies)
	}
}

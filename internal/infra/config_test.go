package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.OrchestrationMode != "sequential" {
		t.Errorf("mode = %q, want sequential by default", cfg.OrchestrationMode)
	}
	if cfg.EmergencyImageURL != DefaultEmergencyImageURL {
		t.Errorf("emergency url = %q", cfg.EmergencyImageURL)
	}
	if cfg.SourceMaxBytes != 10<<20 {
		t.Errorf("source max bytes = %d", cfg.SourceMaxBytes)
	}
	if cfg.BreakerThreshold != 3 || cfg.BreakerCooldown != 2*time.Minute {
		t.Errorf("breaker = %d/%v", cfg.BreakerThreshold, cfg.BreakerCooldown)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ORCHESTRATION_MODE", "race")
	t.Setenv("SOURCE_FETCH_TIMEOUT_SECONDS", "8")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %q", cfg.Port)
	}
	if cfg.OrchestrationMode != "race" {
		t.Errorf("mode = %q", cfg.OrchestrationMode)
	}
	if cfg.SourceFetchTimeout != 8*time.Second {
		t.Errorf("fetch timeout = %v", cfg.SourceFetchTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("cors origins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigRejectsUnknownMode(t *testing.T) {
	t.Setenv("ORCHESTRATION_MODE", "parallel")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for unknown orchestration mode")
	}
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "not-a-number")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BreakerThreshold != 3 {
		t.Errorf("threshold = %d, want the default when the value is unparsable", cfg.BreakerThreshold)
	}
}

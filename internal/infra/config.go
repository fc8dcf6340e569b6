package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultEmergencyImageURL is the static placeholder returned when every
// real source fails. Overridable via EMERGENCY_IMAGE_URL.
const DefaultEmergencyImageURL = "https://static.articleimages.dev/fallback/placeholder.jpg"

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	DatabaseURL       string
	StoragePath       string
	PublicDomain      string
	EmergencyImageURL string
	GeoIPDBPath       string
	OrchestrationMode string
	CORSOrigins       []string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	QwenAPIKey    string
	QwenModel     string
	QwenBaseURL   string
	PexelsAPIKey  string
	PexelsBaseURL string

	SourceMaxBytes     int64
	SourceFetchTimeout time.Duration
	BreakerThreshold   int
	BreakerCooldown    time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StoragePath:       getEnv("STORAGE_PATH", "./data/assets"),
		PublicDomain:      os.Getenv("PUBLIC_ASSET_DOMAIN"),
		EmergencyImageURL: getEnv("EMERGENCY_IMAGE_URL", DefaultEmergencyImageURL),
		GeoIPDBPath:       os.Getenv("GEOIP_DB_PATH"),
		OrchestrationMode: getEnv("ORCHESTRATION_MODE", "sequential"),
		CORSOrigins:       splitList(getEnv("CORS_ALLOWED_ORIGINS", "")),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "imagen-3.0-generate-002"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		QwenAPIKey:    os.Getenv("QWEN_API_KEY"),
		QwenModel:     getEnv("QWEN_MODEL", "wanx2.1-t2i-turbo"),
		QwenBaseURL:   getEnv("QWEN_BASE_URL", "https://dashscope.aliyuncs.com/api/v1"),
		PexelsAPIKey:  os.Getenv("PEXELS_API_KEY"),
		PexelsBaseURL: getEnv("PEXELS_BASE_URL", "https://api.pexels.com/v1"),

		SourceMaxBytes:     int64(getEnvInt("SOURCE_MAX_BYTES", 10<<20)),
		SourceFetchTimeout: time.Second * time.Duration(getEnvInt("SOURCE_FETCH_TIMEOUT_SECONDS", 15)),
		BreakerThreshold:   getEnvInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerCooldown:    time.Second * time.Duration(getEnvInt("BREAKER_COOLDOWN_SECONDS", 120)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.OrchestrationMode != "sequential" && cfg.OrchestrationMode != "race" {
		return nil, fmt.Errorf("ORCHESTRATION_MODE must be sequential or race, got %q", cfg.OrchestrationMode)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

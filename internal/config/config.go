// Package config loads pipeline configuration from environment variables
// only (spec §6.4 — no config file is required).
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Source CRM credentials (spec §6.1).
	CRMAppID   string
	CRMAPIKey  string
	CRMBaseURL string

	// Warehouse connection (spec §6.2).
	DBDriver string
	DBDSN    string

	// Rate limiting / concurrency overrides (spec §5).
	ExtractorConcurrency int // default 4
	LoaderConcurrency    int // default 2
	RateLimitPerSecond   int // token bucket refill rate

	// Batch sizing overrides per entity (spec §4.4).
	BatchSizes map[string]int

	// Refresh API (spec §4.6, §6.3).
	RefreshBearerToken string
	RefreshHTTPAddr    string
	RefreshTimeout     time.Duration

	// Observability / state (spec §6.5).
	LogLevel       string
	ReportDir      string
	CheckpointPath string
}

func FromEnv() Config {
	return Config{
		CRMAppID:   os.Getenv("CRM_APP_ID"),
		CRMAPIKey:  os.Getenv("CRM_API_KEY"),
		CRMBaseURL: envOr("CRM_BASE_URL", "https://api.source-crm.example.com"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		ExtractorConcurrency: envInt("EXTRACTOR_CONCURRENCY", 4),
		LoaderConcurrency:    envInt("LOADER_CONCURRENCY", 2),
		RateLimitPerSecond:   envInt("CRM_RATE_LIMIT_PER_SEC", 10),

		BatchSizes: map[string]int{
			"establishment":      envInt("BATCH_SIZE_ESTABLISHMENT", 100),
			"student":            envInt("BATCH_SIZE_STUDENT", 200),
			"vespa_score":        envInt("BATCH_SIZE_VESPA_SCORE", 300),
			"question_response":  envInt("BATCH_SIZE_QUESTION_RESPONSE", 300),
		},

		RefreshBearerToken: envOr("REFRESH_BEARER_TOKEN", ""),
		RefreshHTTPAddr:    envOr("REFRESH_HTTP_ADDR", ":8090"),
		RefreshTimeout:     time.Duration(envInt("REFRESH_TIMEOUT_SEC", 300)) * time.Second,

		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		ReportDir:      envOr("REPORT_OUTPUT_DIR", "./reports"),
		CheckpointPath: envOr("CHECKPOINT_PATH", "./sync-checkpoint.json"),
	}
}

// BatchSize returns the configured batch size for an entity kind, falling
// back to 100 if unconfigured.
func (c Config) BatchSize(entity string) int {
	if n, ok := c.BatchSizes[entity]; ok && n > 0 {
		return n
	}
	return 100
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

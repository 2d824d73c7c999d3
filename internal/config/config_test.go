package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mind-engage/vespa-sync/internal/config"
)

func TestFromEnv_DefaultsWhenUnset(t *testing.T) {
	cfg := config.FromEnv()
	assert.Equal(t, "https://api.source-crm.example.com", cfg.CRMBaseURL)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 4, cfg.ExtractorConcurrency)
	assert.Equal(t, 2, cfg.LoaderConcurrency)
	assert.Equal(t, 10, cfg.RateLimitPerSecond)
	assert.Equal(t, 300*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestFromEnv_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("CRM_APP_ID", "app-123")
	t.Setenv("LOADER_CONCURRENCY", "8")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := config.FromEnv()
	assert.Equal(t, "app-123", cfg.CRMAppID)
	assert.Equal(t, 8, cfg.LoaderConcurrency)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestFromEnv_IgnoresUnparseableIntAndFallsBackToDefault(t *testing.T) {
	t.Setenv("LOADER_CONCURRENCY", "not-a-number")
	cfg := config.FromEnv()
	assert.Equal(t, 2, cfg.LoaderConcurrency)
}

func TestBatchSize_FallsBackTo100WhenUnconfiguredOrNonPositive(t *testing.T) {
	cfg := config.Config{BatchSizes: map[string]int{"student": 250, "vespa_score": 0}}
	assert.Equal(t, 250, cfg.BatchSize("student"))
	assert.Equal(t, 100, cfg.BatchSize("vespa_score")) // zero is not a valid override
	assert.Equal(t, 100, cfg.BatchSize("unknown_entity"))
}

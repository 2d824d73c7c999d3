package obs

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigure_UnrecognizedLevelFallsBackToInfo(t *testing.T) {
	Configure("not-a-level")
	assert.True(t, Logger().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, Logger().Enabled(context.Background(), slog.LevelDebug))
}

func TestConfigure_AcceptsKnownLevelsCaseInsensitively(t *testing.T) {
	Configure("debug")
	assert.True(t, Logger().Enabled(context.Background(), slog.LevelDebug))
	Configure("INFO") // restore for other tests in this process
}

func TestWithRun_AttachesSyncRunID(t *testing.T) {
	orig := logger
	defer func() { logger = orig }()
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	l := WithRun("run-123")
	assert.NotNil(t, l)
	l.Info("probe")
	assert.Contains(t, buf.String(), `"sync_run_id":"run-123"`)
}

func TestFromContext_FallsBackToDefaultLoggerWhenUnset(t *testing.T) {
	got := FromContext(context.Background())
	assert.Equal(t, logger, got)
}

func TestIntoContextThenFromContext_RoundTrips(t *testing.T) {
	custom := WithRun("run-456")
	ctx := IntoContext(context.Background(), custom)
	assert.Equal(t, custom, FromContext(ctx))
}

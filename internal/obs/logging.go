// Package obs wires structured logging for the pipeline. It follows the
// same slog+tint setup as confirmate-confirmate/core/log: a single default
// logger, color auto-detected from the terminal, level configurable at
// startup from the LOG_LEVEL environment variable.
package obs

import (
	"context"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

var (
	logger       *slog.Logger
	colorEnabled bool
)

func init() {
	colorEnabled = isatty.IsTerminal(os.Stdout.Fd())
	logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:   slog.LevelInfo,
		NoColor: !colorEnabled,
	}))
	slog.SetDefault(logger)
}

// Configure re-creates the default logger at the given level.
// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive); unrecognized
// values fall back to INFO.
func Configure(levelStr string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:   level,
		NoColor: !colorEnabled,
	}))
	slog.SetDefault(logger)
	logger.Debug("log level configured", slog.String("level", levelStr))
}

// Logger returns the shared logger.
func Logger() *slog.Logger { return logger }

// WithRun returns a logger pre-populated with the sync run id, the way every
// component should log so a run's lines can be grepped together.
func WithRun(runID string) *slog.Logger {
	return logger.With(slog.String("sync_run_id", runID))
}

// ctx helpers let components pull a run-scoped logger out of a context
// without threading *slog.Logger through every function signature.
type ctxKey struct{}

func IntoContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return logger
}

// Package obslog configures the store's structured logging. It only builds
// loggers; it holds no state and never appears in the transactor's control
// flow, so log output can never influence a commit.
package obslog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production-configured logger, raised to debug level when
// verbose is set.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// Nop returns a logger that discards everything. The store's default when
// the caller supplies none.
func Nop() *zap.Logger {
	return zap.NewNop()
}

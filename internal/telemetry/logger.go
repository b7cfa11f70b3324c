// Package telemetry builds the process-wide structured logger and tracer
// used by every other package: zap underneath, exposed through logr so
// components depend on the interface rather than the implementation.
package telemetry

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/selfheal/controlplane/internal/config"
)

// NewLogger builds a logr.Logger backed by zap, configured per cfg.
func NewLogger(cfg config.LoggingConfig) (logr.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		return logr.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build zap logger: %w", err)
	}

	return zapr.NewLogger(zl), nil
}

// NewNop returns a discard logger, used by tests and by packages exercised
// without a configured logger.
func NewNop() logr.Logger {
	return logr.Discard()
}

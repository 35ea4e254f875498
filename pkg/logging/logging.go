// Package logging builds the zap loggers shared across the substrate,
// following the construction style of the teacher's persistence/badger
// package (a *zap.Logger passed in, used via .Sugar() at call sites).
package logging

import (
	"go.uber.org/zap"
)

// New builds a production zap logger, or a development logger with
// human-readable console output when verbose is true.
func New(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = false
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// NewNop returns a logger that discards all output, for use in tests and
// library callers that haven't configured logging.
func NewNop() *zap.Logger {
	return zap.NewNop()
}

// WithComponent returns a child logger tagged with a "component" field,
// matching the field-per-subsystem convention used throughout the store.
func WithComponent(l *zap.Logger, component string) *zap.Logger {
	return l.With(zap.String("component", component))
}

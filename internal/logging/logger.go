// Package logging builds the process-wide zap logger.
package logging

import "go.uber.org/zap"

// New builds a development-friendly console logger when dev is true,
// otherwise a JSON production logger.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	return cfg.Build()
}

// OrNop returns l, or a no-op logger if l is nil, so components never
// need a nil check before logging.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger: human-readable for local development,
// JSON for every other environment.
func NewLogger(env string, debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "local" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

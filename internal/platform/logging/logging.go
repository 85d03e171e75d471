// Package logging constructs the zap logger shared by every component.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger unless BILLINGWATCH_ENV=development,
// in which case a human-readable console logger is used instead.
func New() (*zap.Logger, error) {
	if os.Getenv("BILLINGWATCH_ENV") == "development" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Package logging provides logger construction and field helpers shared by
// the server and the admin CLI.
package logging

import (
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sirosfoundation/go-loginshield/pkg/config"
)

// NewLogger creates a new zap logger based on the configuration
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	return zapCfg.Build()
}

// ParseLevel converts a string level to zapcore.Level
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Secret returns a field describing a credential without revealing it.
// Only the length and a short fingerprint are logged, so two log lines can be
// correlated without the token ever reaching the log sink.
func Secret(key, value string) zap.Field {
	if value == "" {
		return zap.String(key, "<empty>")
	}
	sum := sha256.Sum256([]byte(value))
	return zap.Dict(key,
		zap.Int("len", len(value)),
		zap.String("fp", hex.EncodeToString(sum[:4])),
	)
}

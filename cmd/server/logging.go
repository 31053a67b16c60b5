package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chunkclaims.ai/internal/config"
)

func newLogger(c config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(c.Level))
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
	default:
		return nil, fmt.Errorf("unsupported logging.format: %s", c.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build(zap.Fields(zap.String("service", "chunkclaims")))
}

// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production. Extra
// output paths (worker log files, for example) are written in addition to
// stderr.
func New(development bool, outputPaths ...string) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		if len(outputPaths) == 0 {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		cfg.OutputPaths = append(cfg.OutputPaths, outputPaths...)
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.OutputPaths = append(cfg.OutputPaths, outputPaths...)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// ForShard derives the logger used by one worker.
func ForShard(base *zap.Logger, runID string, shard int, leaseID string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Named("worker").With(
		zap.String("run_id", runID),
		zap.Int("shard", shard),
		zap.String("lease_id", leaseID),
	)
}

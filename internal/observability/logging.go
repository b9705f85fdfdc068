// Package observability provides logging and metrics utilities.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cory-johannsen/netforge/internal/config"
)

// NewLogger builds the process logger. Entries go to stderr in cfg.Format;
// when cfg.File is set they are also written as JSON to a size-rotated file.
//
// Precondition: cfg.Level must be one of "debug", "info", "warn", "error".
// Precondition: cfg.Format must be "json" or "console".
// Postcondition: Returns a configured zap.Logger or a non-nil error.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	encCfg, err := encoderConfig(cfg.Format)
	if err != nil {
		return nil, err
	}
	enabled := zap.NewAtomicLevelAt(level)

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), enabled)}

	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.File,
				MaxSize:    cfg.MaxSizeMB,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAgeDays,
			}),
			enabled,
		))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Format == "console" {
		opts = append(opts, zap.Development())
	}
	return zap.New(zapcore.NewTee(cores...), opts...), nil
}

// encoderConfig returns the encoder settings for format with ISO8601 times.
func encoderConfig(format string) (zapcore.EncoderConfig, error) {
	var encCfg zapcore.EncoderConfig
	switch format {
	case "json":
		encCfg = zap.NewProductionEncoderConfig()
	case "console":
		encCfg = zap.NewDevelopmentEncoderConfig()
	default:
		return encCfg, fmt.Errorf("unknown log format %q", format)
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return encCfg, nil
}

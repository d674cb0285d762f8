// Package logging builds the zap logger used by every psb command.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control logger construction.
type Options struct {
	// Verbose enables debug level.
	Verbose bool
	// Format is "text" for a console encoder, anything else for JSON.
	Format string
	// File, when set, also writes JSON logs to a rotating file.
	File string
	// Rotation limits of File.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Stderr receives console output; os.Stderr when nil.
	Stderr io.Writer
}

// New builds a logger and returns a close function that flushes it and
// releases the log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Verbose {
		level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	var enc zapcore.Encoder
	if opts.Format == "text" {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(consoleCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.AddSync(stderr), level)}

	var rotator *lumberjack.Logger
	if opts.File != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	closeFn := func() error {
		// Sync on a console fd returns EINVAL on some platforms.
		_ = logger.Sync()
		if rotator != nil {
			if err := rotator.Close(); err != nil {
				return fmt.Errorf("close log file: %w", err)
			}
		}
		return nil
	}
	return logger, closeFn, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

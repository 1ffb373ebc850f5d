// Package enginelog provides the structured, rotated logger used for
// connection lifecycle and protocol-error events.
//
// The teacher carries no logging library at all; this is adopted from
// packetd-packetd's ambient logging stack (go.uber.org/zap +
// natefinch/lumberjack) since the rest of the retrieved pack
// demonstrates that convention and the teacher demonstrates none
// (SPEC_FULL.md §10).
package enginelog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how engine logs are written.
type Config struct {
	// FilePath, if non-empty, rotates logs through lumberjack instead
	// of (or in addition to) stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool
	Debug      bool
}

// DefaultConfig logs to stderr only, at info level.
func DefaultConfig() Config {
	return Config{Console: true}
}

// New builds a *zap.Logger per cfg. A zero Config produces a console
// logger at info level, matching the teacher's "degrade to sane
// defaults rather than fail hard" convention (ValidateOptions).
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	var cores []zapcore.Core
	if cfg.Console || cfg.FilePath == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level))
	}
	if cfg.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

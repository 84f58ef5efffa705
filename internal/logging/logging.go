// Package logging builds the process logger: zap for structured
// output, lumberjack for rotation. Unlike a typical package-level
// *zap.Logger global, New returns an instance that the caller threads
// into every component constructor — the Design Notes call out a
// process-wide mutable logger as something to avoid.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/natefinch/lumberjack"
)

// Config controls where and how logs are written, matching the
// --log-file/--log-level/--log-max-size/--log-num-backups CLI flags.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// File is the log file path. Empty means stdout only.
	File string
	// MaxSizeMB is the size in megabytes at which a log file is
	// rotated: lumberjack renames it to a timestamped backup beside it
	// and deletes the oldest backups beyond MaxBackups.
	MaxSizeMB int
	// MaxBackups caps the number of rotated files kept.
	MaxBackups int
	// Development enables human-readable console output instead of
	// JSON. config.LoggingConfig never sets it.
	Development bool
}

var levelMap = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// New builds a *zap.Logger per cfg. Called once at startup by
// cmd/serialmux and handed down to the supervisor and everything it
// constructs.
func New(cfg Config) (*zap.Logger, error) {
	level, ok := levelMap[cfg.Level]
	if !ok {
		level = zapcore.InfoLevel
	}
	enabler := zap.NewAtomicLevelAt(level)

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Development {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var sink zapcore.WriteSyncer
	if cfg.File == "" {
		sink = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSizeOrDefault(cfg.MaxSizeMB),
			MaxBackups: cfg.MaxBackups,
			Compress:   false,
		})
	}

	core := zapcore.NewCore(encoder, sink, enabler)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...), nil
}

func maxSizeOrDefault(mb int) int {
	if mb <= 0 {
		return 10
	}
	return mb
}

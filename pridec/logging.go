// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pridec

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel is a step of the verbosity ladder. A message is written when
// verbosity_level is not less than its level.
type LogLevel int

const (
	// LogError errors only.
	LogError LogLevel = 0
	// LogWarning also warnings such as failed evaluations or rejected steps.
	LogWarning LogLevel = 1
	// LogSummary also the per-iteration summary row and exit report.
	LogSummary LogLevel = 3
	// LogScalars also model scalars (α, ratio, ρ, predicted decrease).
	LogScalars LogLevel = 4
	// LogFcnEval also aggregated gradients and master solutions.
	LogFcnEval LogLevel = 5
	// LogTrace also every dispatched task and received result.
	LogTrace LogLevel = 8
)

// LogConfig configures NewLogger.
type LogConfig struct {
	Verbosity  int       // verbosity_level of the run
	Format     string    // json or console
	Output     string    // stdout, file or both
	FilePath   string    // rotated log file
	MaxSize    int       // MB
	MaxBackups int       // rotated files kept
	MaxAge     int       // days
	Writer     io.Writer // replaces stdout when set
}

// NewLogger builds a zap backed logr.Logger. Verbosity level v maps to zap
// level -v so that V(v) messages pass when v ≤ Verbosity.
func NewLogger(cfg *LogConfig) logr.Logger {
	if cfg == nil {
		cfg = &LogConfig{Verbosity: 2, Format: "console", Output: "stdout"}
	}

	level := zap.NewAtomicLevelAt(zapcore.Level(-min(cfg.Verbosity, 127)))

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var cores []zapcore.Core
	if cfg.Output == "stdout" || cfg.Output == "both" || cfg.Output == "" {
		var out io.Writer = os.Stdout
		if cfg.Writer != nil {
			out = cfg.Writer
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(out), level))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(writer), level))
	}

	return zapr.NewLogger(zap.New(zapcore.NewTee(cores...)))
}

// logger gates a logr.Logger by the verbosity ladder.
type logger struct {
	log   logr.Logger
	level LogLevel
}

func (l *logger) enable(v LogLevel) bool {
	return l.level >= v
}

func (l *logger) info(v LogLevel, msg string, kv ...any) {
	if l.enable(v) {
		l.log.V(int(v)).Info(msg, kv...)
	}
}

func (l *logger) warn(msg string, kv ...any) {
	if l.enable(LogWarning) {
		l.log.Info(msg, append(kv, "severity", "warning")...)
	}
}

func (l *logger) error(err error, msg string, kv ...any) {
	l.log.Error(err, msg, kv...)
}

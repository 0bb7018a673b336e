// Package logging builds the structured logger used by the service driver.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn, or error)", level)
	}
}

// New returns a JSON logger writing to stderr.
func New(level string) (logr.Logger, error) {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter returns a JSON logger writing to w.
func NewWithWriter(level string, w io.Writer) (logr.Logger, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		zap.NewAtomicLevelAt(zapLevel),
	)
	return zapr.NewLogger(zap.New(core)), nil
}

// LineLogger adapts a logr.Logger to the engine's line-oriented sink.
// logr has no warning level: successes are info records tagged with a
// "severity" key and warnings go straight to the zap core when there is one.
type LineLogger struct {
	log logr.Logger
}

// NewLineLogger wraps log.
func NewLineLogger(log logr.Logger) *LineLogger {
	return &LineLogger{log: log}
}

func (l *LineLogger) Info(msg string) {
	l.log.Info(msg)
}

func (l *LineLogger) Success(msg string) {
	l.log.Info(msg, "severity", "success")
}

// Warn logs at zap's warn level when log is backed by zap, so warnings
// survive a "warn" level filter.
func (l *LineLogger) Warn(msg string) {
	if u, ok := l.log.GetSink().(zapr.Underlier); ok {
		u.GetUnderlying().Warn(msg)
		return
	}
	l.log.Info(msg, "severity", "warning")
}

func (l *LineLogger) Error(msg string) {
	l.log.Error(nil, msg)
}

func (l *LineLogger) Debug(msg string) {
	l.log.V(1).Info(msg)
}

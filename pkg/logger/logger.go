// Package logger holds the process-wide zap logger and printf-style helpers.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Level   string // debug, info, warn, error
	JSON    bool
	Service string
}

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(zap.NewNop())
}

// Init builds the process logger and installs it as the zap global.
func Init(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = true

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if opts.Service != "" {
		l = l.With(zap.String("service", opts.Service))
	}
	Set(l)
	return l, nil
}

// Set replaces the process logger.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l)
	zap.ReplaceGlobals(l)
}

// L returns the structured logger.
func L() *zap.Logger {
	return current.Load()
}

// Sync flushes buffered entries.
func Sync() {
	_ = current.Load().Sync()
}

func Debugf(format string, args ...any) {
	current.Load().Debug(fmt.Sprintf(format, args...))
}

func Infof(format string, args ...any) {
	current.Load().Info(fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...any) {
	current.Load().Warn(fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...any) {
	current.Load().Error(fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...any) {
	current.Load().Fatal(fmt.Sprintf(format, args...))
}

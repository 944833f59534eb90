// Package logging builds the zap backed logr.Logger shared by the server and the filters.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const MessageKey = "message"

var encoderConfig = zapcore.EncoderConfig{
	TimeKey:        "timestamp",
	LevelKey:       "level",
	NameKey:        "logger",
	CallerKey:      "caller",
	FunctionKey:    zapcore.OmitKey,
	MessageKey:     MessageKey,
	StacktraceKey:  "stacktrace",
	EncodeTime:     zapcore.ISO8601TimeEncoder,
	EncodeLevel:    zapcore.CapitalLevelEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
	EncodeDuration: zapcore.StringDurationEncoder,
}

// New returns a logger writing to stderr with the given level and format ("json" or "console").
// The returned func flushes buffered entries and should be called before exiting.
func New(level, format string, opts ...zap.Option) (logr.Logger, func(), error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig = encoderConfig
	config.Sampling = nil
	switch format {
	case "json":
		config.Encoding = "json"
	case "console":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return logr.Discard(), func() {}, fmt.Errorf("invalid log format %q", format)
	}

	opts = append(opts, zap.AddStacktrace(zap.ErrorLevel))
	zl, err := config.Build(opts...)
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// Package logger builds the zap loggers shared by carlens binaries.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tweak the logger built by NewWithOptions.
type Options struct {
	Level string // debug, info, warn, error
	File  string // optional rotating log file, in addition to stdout
}

// New returns a sugared logger named after service. Level and output file
// are read from LOG_LEVEL and LOG_FILE.
func New(service string) (*zap.SugaredLogger, error) {
	return NewWithOptions(service, Options{
		Level: os.Getenv("LOG_LEVEL"),
		File:  os.Getenv("LOG_FILE"),
	})
}

func NewWithOptions(service string, opts Options) (*zap.SugaredLogger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, err
		}
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stdout), level),
	}

	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    64,
			MaxBackups: 3,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(rotating), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Named(service)

	return l.Sugar(), nil
}

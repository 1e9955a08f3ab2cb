package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	ServiceName string
	Debug       bool
	Development bool
	// JSON selects the json encoder; the console encoder is used otherwise.
	JSON bool
	// OutputPaths defaults to stderr so command output on stdout stays clean.
	OutputPaths []string

	Cores []zapcore.Core
}

func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Debug {
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	encoding := "console"
	if cfg.JSON {
		encoding = "json"
	}
	out := cfg.OutputPaths
	if len(out) == 0 {
		out = []string{"stderr"}
	}

	config := zap.Config{
		Level:             level,
		Development:       cfg.Development,
		DisableStacktrace: !cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     EncoderConfig(zapcore.DefaultLineEnding, cfg.JSON),
		OutputPaths:       out,
		ErrorOutputPaths:  []string{"stderr"},
	}

	cores := cfg.Cores
	logger, err := config.Build(
		zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			if len(cores) == 0 {
				return c
			}
			return zapcore.NewTee(append(cores, c)...)
		}),
		zap.Fields(
			zap.String("service", cfg.ServiceName),
			zap.Int("pid", os.Getpid()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("error building logger: %w", err)
	}
	return logger, nil
}

func EncoderConfig(lineEnding string, json bool) zapcore.EncoderConfig {
	ec := zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		MessageKey:    "message",
		LevelKey:      "level",
		EncodeLevel:   zapcore.LowercaseLevelEncoder,
		NameKey:       "logger",
		StacktraceKey: "stacktrace",
		EncodeTime:    zapcore.RFC3339TimeEncoder,
		LineEnding:    lineEnding,
	}
	if !json {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	}
	return ec
}

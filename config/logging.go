package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogEncoder defines a log encoder kind.
type LogEncoder = string

const (
	// ConsoleLogEncoder represents logging with plain text.
	ConsoleLogEncoder LogEncoder = "console"
	// JSONLogEncoder represents logging with JSON.
	JSONLogEncoder LogEncoder = "json"
)

// LoggerConfig holds the logging level and encoding.
type LoggerConfig struct {
	Encoder LogEncoder `mapstructure:"encoder"`
	Level   string     `mapstructure:"level"`
}

func defaultLoggingConfig() LoggerConfig {
	return LoggerConfig{
		Encoder: ConsoleLogEncoder,
		Level:   zapcore.InfoLevel.String(),
	}
}

// Logger builds a zap logger from cfg. The console encoder uses the
// development layout, json the production one.
func Logger(cfg LoggerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	var zc zap.Config
	switch cfg.Encoder {
	case JSONLogEncoder:
		zc = zap.NewProductionConfig()
	case ConsoleLogEncoder, "":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log encoder %q", cfg.Encoder)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

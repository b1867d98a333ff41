// Package logging builds the structured loggers used by waypost services.
//
// Services log through zap. Level and format come from the environment so a
// container can switch to human-readable output without a rebuild:
//
//	WAYPOST_LOG_LEVEL  debug|info|warn|error (default info)
//	WAYPOST_LOG_FORMAT json|console          (default json)
package logging

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggingEnv struct {
	Level  string `env:"WAYPOST_LOG_LEVEL" envDefault:"info"`
	Format string `env:"WAYPOST_LOG_FORMAT" envDefault:"json"`
}

// New returns a logger named after the service.
func New(service string) (*zap.Logger, error) {
	var cfg loggingEnv
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse logging env: %w", err)
	}
	return build(service, cfg)
}

// Nop returns a logger that discards everything. Tests use it so package
// construction does not require a configured environment.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func build(service string, cfg loggingEnv) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if service = strings.TrimSpace(service); service != "" {
		logger = logger.Named(service)
	}
	return logger, nil
}

func parseLevel(raw string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Sync flushes buffered entries, swallowing the spurious errors zap reports
// when stderr is a terminal.
func Sync(logger *zap.Logger) {
	if logger == nil {
		return
	}
	_ = logger.Sync()
}

package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger returns a zap logger configured for structured production logging.
// Every entry carries the service name and instance id so logs from several
// gateway replicas can be told apart.
func NewLogger(level, instanceID string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
	cfg.InitialFields = map[string]interface{}{
		"service": "collab-gateway",
	}
	if instanceID != "" {
		cfg.InitialFields["instance_id"] = instanceID
	}
	return cfg.Build()
}

// ParseLevel maps a level name to a zap level; unknown names yield info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

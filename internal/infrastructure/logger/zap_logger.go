package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Every process instance carries
// its manager id so interleaved logs from replicas stay attributable.
func NewLogger(level, managerID string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	l, err := zapcore.ParseLevel(level)
	if err != nil {
		l = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(l)

	log, err := config.Build()
	if err != nil {
		return nil, err
	}
	if managerID != "" {
		log = log.With(zap.String("manager_id", managerID))
	}
	return log, nil
}

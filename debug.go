package fieldsync

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewDebugLogger builds the client logger. When enabled it logs every
// remote request, replication event and status transition at debug
// level to logPath, or stderr if logPath is empty. When disabled it
// returns a no-op logger.
func NewDebugLogger(enabled bool, logPath string) (*zap.Logger, error) {
	if !enabled {
		return zap.NewNop(), nil
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if logPath != "" {
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return logger.Named("fieldsync"), nil
}

package obs

import (
	"sync"

	"go.uber.org/zap"
)

var (
	loggerOnce sync.Once
	logger     *zap.Logger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			l, err := zap.NewProduction()
			if err != nil {
				l = zap.NewNop()
			}
			logger = l
		}
	})
	return logger
}

// SetLogger replaces the shared logger. Call before the first Logger use;
// tests use it to capture output.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	loggerOnce.Do(func() {})
	logger = l
}

// Sync flushes buffered log entries. Safe to call on shutdown.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

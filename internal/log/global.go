package log

import "sync/atomic"

var defaultLogger atomic.Pointer[Logger]

// SetDefaultLogger sets the process-wide default logger.
func SetDefaultLogger(logger *Logger) {
	defaultLogger.Store(logger)
}

// DefaultLogger returns the process-wide default logger, creating one with
// DefaultConfig on first use.
func DefaultLogger() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	defaultLogger.CompareAndSwap(nil, Default())
	return defaultLogger.Load()
}

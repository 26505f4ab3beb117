package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Default logger instance
	defaultLogger *zap.Logger

	nopLogger = zap.NewNop()
)

// InitLogger initializes the default logger.
//
// Logs are written to stderr: stdout belongs to the remote command being run.
func InitLogger() error {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(levelFromEnv())

	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build()
	if err != nil {
		return err
	}
	defaultLogger = logger

	zap.ReplaceGlobals(defaultLogger)
	return nil
}

// levelFromEnv reads LOG_LEVEL (debug, info, warn, error). Unknown values fall back to info.
func levelFromEnv() zapcore.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return zap.InfoLevel
	}
	level, err := zapcore.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return zap.InfoLevel
	}
	return level
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	if defaultLogger == nil {
		// Not initialized (tests, library use): stay quiet rather than spamming stdout
		return nopLogger
	}
	return defaultLogger
}

// SetLogger replaces the default logger and returns the one it replaced, which may be nil.
func SetLogger(logger *zap.Logger) *zap.Logger {
	previous := defaultLogger
	defaultLogger = logger
	return previous
}

// Sync flushes any buffered log entries
func Sync() error {
	if defaultLogger != nil {
		if err := defaultLogger.Sync(); err != nil {
			// Sync on /dev/stderr fails with EINVAL on Linux; callers may ignore it
			return err
		}
	}
	return nil
}

package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"modelrouter/internal/core"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AppLogger adapts a zap sugared logger to core.Logger.
type AppLogger struct {
	sugar      *zap.SugaredLogger
	debug      bool
	fileHandle *os.File
	mu         sync.Mutex
}

// bracketLevelEncoder renders levels as "[INFO]" so grep-based tooling keeps working.
func bracketLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + l.CapitalString() + "]")
}

func newCore(output io.Writer, debugMode bool) zapcore.Core {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = bracketLevelEncoder
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(core.TimeFormatDateTime)
	encoderConfig.CallerKey = ""
	encoderConfig.ConsoleSeparator = " "

	level := zapcore.InfoLevel
	if debugMode {
		level = zapcore.DebugLevel
	}

	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(output),
		zap.NewAtomicLevelAt(level),
	)
}

// NewAppLoggerWithConfig creates a logger instance with configuration.
func NewAppLoggerWithConfig(output io.Writer, debugMode bool) *AppLogger {
	return &AppLogger{
		sugar: zap.New(newCore(output, debugMode)).Sugar(),
		debug: debugMode,
	}
}

// Debug logs a message at DEBUG level.
func (l *AppLogger) Debug(format string, args ...any) {
	if l != nil {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs a message at INFO level.
func (l *AppLogger) Info(format string, args ...any) {
	if l != nil {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs a message at WARN level.
func (l *AppLogger) Warn(format string, args ...any) {
	if l != nil {
		l.sugar.Warnf(format, args...)
	}
}

// Error logs a message at ERROR level.
func (l *AppLogger) Error(format string, args ...any) {
	if l != nil {
		l.sugar.Errorf(format, args...)
	}
}

// Fatal logs a message at FATAL level and terminates the process.
func (l *AppLogger) Fatal(format string, args ...any) {
	if l == nil {
		l = NewAppLoggerWithConfig(os.Stderr, false)
	}
	l.sugar.Fatalf(format, args...)
}

// Zap exposes the underlying logger for libraries that want one.
func (l *AppLogger) Zap() *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.sugar.Desugar()
}

// Close flushes buffered entries and closes the log file, if any.
func (l *AppLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_ = l.sugar.Sync()
	if l.fileHandle != nil {
		err := l.fileHandle.Close()
		l.fileHandle = nil
		return err
	}
	return nil
}

// containsPathTraversal checks if path contains path traversal characters.
func containsPathTraversal(path string) bool {
	return strings.Contains(path, "..")
}

// createDebugFileOutput creates debug file output, falls back to stdout on failure.
// The returned warning is logged once the logger exists.
func createDebugFileOutput() (io.Writer, *os.File, string) {
	debugFile := os.Getenv("DEBUG_FILE")
	if debugFile == "" {
		return os.Stdout, nil, ""
	}

	if len(debugFile) > core.MaxDebugFilePathLength {
		return os.Stdout, nil, "DEBUG_FILE path too long, falling back to stdout"
	}

	if containsPathTraversal(debugFile) {
		return os.Stdout, nil, "DEBUG_FILE contains path traversal characters, falling back to stdout"
	}

	//nolint:gosec // G304: debugFile from env var, validated by containsPathTraversal
	file, err := os.OpenFile(debugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, core.FilePermissionReadWrite)
	if err != nil {
		return os.Stdout, nil, "Failed to open DEBUG_FILE '" + debugFile + "': " + err.Error() + ", falling back to stdout"
	}

	return file, file, ""
}

// IsDebug returns whether the app is running in debug mode.
func IsDebug() bool {
	return os.Getenv("GIN_MODE") == "debug"
}

// CreateLogger creates a logger instance (for dependency injection).
func CreateLogger() core.Logger {
	debugMode := IsDebug()
	output, fileHandle, warning := createDebugFileOutput()

	logger := NewAppLoggerWithConfig(output, debugMode)
	logger.fileHandle = fileHandle
	if warning != "" {
		logger.Warn("%s", warning)
	}

	return logger
}

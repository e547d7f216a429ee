package log

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu          sync.RWMutex
	verbose     = false
	disableLogs = false
	forceStdErr = false
	logFile     *os.File
	sugar       = newLogger()
)

// SetVerbose sets the logging verbosity. If true, all log levels are displayed.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
	sugar = buildLocked()
}

// IsVerbose returns true if verbose logging is enabled.
func IsVerbose() bool {
	mu.RLock()
	defer mu.RUnlock()
	return verbose
}

// DisableLogs disables all logging.
func DisableLogs() {
	mu.Lock()
	defer mu.Unlock()
	disableLogs = true
	sugar = zap.NewNop().Sugar()
}

// IsDisabled returns true if logging is disabled.
func IsDisabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return disableLogs
}

// SetForceStdErr sends every level to stderr when set.
func SetForceStdErr(v bool) {
	mu.Lock()
	defer mu.Unlock()
	forceStdErr = v
	sugar = buildLocked()
}

// SetOutputFile redirects all log output to the given file (appending).
// An empty path restores console output.
func SetOutputFile(path string) error {
	mu.Lock()
	defer mu.Unlock()

	var next *os.File
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		next = f
	}

	if logFile != nil {
		_ = sugar.Sync()
		_ = logFile.Close()
	}
	logFile = next
	sugar = buildLocked()
	return nil
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = sugar.Sync()
}

// Debugf logs a debug message if verbose is true.
func Debugf(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Infof logs an info message.
func Infof(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warnf logs a warning message.
func Warnf(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Fatalf logs an error message and exits the program.
func Fatalf(format string, args ...interface{}) {
	l := current()
	l.Errorf(format, args...)
	_ = l.Sync()
	os.Exit(1)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func newLogger() *zap.SugaredLogger {
	return buildLocked()
}

// buildLocked assembles the zap core for the current settings. Caller holds mu.
func buildLocked() *zap.SugaredLogger {
	if disableLogs {
		return zap.NewNop().Sugar()
	}

	minLevel := zapcore.InfoLevel
	if verbose {
		minLevel = zapcore.DebugLevel
	}

	if logFile != nil {
		enc := zapcore.NewConsoleEncoder(encoderConfig(false))
		core := zapcore.NewCore(enc, zapcore.Lock(logFile), minLevel)
		return zap.New(core).Sugar()
	}

	enc := zapcore.NewConsoleEncoder(encoderConfig(true))
	errorsOnly := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapcore.ErrorLevel
	})
	belowErrors := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l < zapcore.ErrorLevel
	})

	stdout := zapcore.Lock(os.Stdout)
	if forceStdErr {
		stdout = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewTee(
		zapcore.NewCore(enc, stdout, belowErrors),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), errorsOnly),
	)
	return zap.New(core).Sugar()
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		TimeKey:          "",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      bracketLevelEncoder(color),
		ConsoleSeparator: " ",
	}
	if !color {
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg
}

var levelTags = map[zapcore.Level]string{
	zapcore.DebugLevel: "DBG",
	zapcore.InfoLevel:  "INF",
	zapcore.WarnLevel:  "WRN",
	zapcore.ErrorLevel: "ERR",
}

var levelColors = map[zapcore.Level]string{
	zapcore.DebugLevel: "\033[37m", // White
	zapcore.InfoLevel:  "\033[36m", // Cyan
	zapcore.WarnLevel:  "\033[33m", // Yellow
	zapcore.ErrorLevel: "\033[31m", // Red
}

// bracketLevelEncoder renders levels as bracketed tags, e.g. "[INF]".
func bracketLevelEncoder(color bool) zapcore.LevelEncoder {
	return func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		tag, ok := levelTags[l]
		if !ok {
			tag = "ERR"
		}
		if color {
			enc.AppendString(levelColors[l] + "[" + tag + "]\033[0m")
			return
		}
		enc.AppendString("[" + tag + "]")
	}
}

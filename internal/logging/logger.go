package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides leveled console logging with redaction support
type Logger struct {
	debug   bool
	noColor bool
	sugar   *zap.SugaredLogger
}

// New creates a new logger instance writing to stderr
func New(debug, noColor bool) *Logger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleEncoderConfig(noColor)),
		zapcore.Lock(os.Stderr),
		level,
	)
	return &Logger{
		debug:   debug,
		noColor: noColor,
		sugar:   zap.New(core).Sugar(),
	}
}

// NewWithCore builds a logger on top of an existing zap core. Tests use it
// with an observer core to assert on emitted entries.
func NewWithCore(core zapcore.Core, debug bool) *Logger {
	return &Logger{debug: debug, noColor: true, sugar: zap.New(core).Sugar()}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return &Logger{noColor: true, sugar: zap.NewNop().Sugar()}
}

func consoleEncoderConfig(noColor bool) zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.CallerKey = ""
	cfg.NameKey = ""
	cfg.StacktraceKey = ""
	cfg.ConsoleSeparator = " "
	if noColor {
		cfg.EncodeLevel = plainLevelEncoder
	} else {
		cfg.EncodeLevel = colorLevelEncoder
	}
	return cfg
}

func plainLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("[DEBUG]")
	case zapcore.InfoLevel:
		enc.AppendString("✓")
	case zapcore.WarnLevel:
		enc.AppendString("⚠")
	default:
		enc.AppendString("✗")
	}
}

func colorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString("\033[36m[DEBUG]\033[0m")
	case zapcore.InfoLevel:
		enc.AppendString("\033[32m✓\033[0m")
	case zapcore.WarnLevel:
		enc.AppendString("\033[33m⚠\033[0m")
	default:
		enc.AppendString("\033[31m✗\033[0m")
	}
}

// With returns a child logger that adds the given key/value pairs to
// every entry
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{debug: l.debug, noColor: l.noColor, sugar: l.sugar.With(keysAndValues...)}
}

// DebugEnabled reports whether debug output is on
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Debug logs a debug message if debug mode is enabled
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Sync flushes any buffered entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// Secret represents a value that should be redacted in logs
type Secret string

// String implements the Stringer interface, always returning a redacted value
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements the GoStringer interface for %#v formatting
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces sensitive values in a string with [REDACTED]
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		if secret != "" && len(secret) > 3 { // Only redact non-trivial secrets
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}

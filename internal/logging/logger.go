package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// ZapLogger implements Logger on top of a zap logger
type ZapLogger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

// NewZapLogger wraps an existing zap logger. The level handle may be the
// zero value when the caller does not need SetLevel.
func NewZapLogger(logger *zap.Logger, level zap.AtomicLevel) *ZapLogger {
	return &ZapLogger{logger: logger, level: level}
}

// NewConsoleLogger creates a logger that writes human readable lines to stdout
func NewConsoleLogger(level LogLevel) *ZapLogger {
	logger, _ := build(LoggerConfig{Level: level.String(), Format: "console"}, level)
	return logger
}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop(), level: zap.NewAtomicLevel()}
}

// Debug logs a debug message with optional fields
func (l *ZapLogger) Debug(msg string, fields ...Field) {
	l.logger.Debug(msg, toZap(fields)...)
}

// Info logs an info message with optional fields
func (l *ZapLogger) Info(msg string, fields ...Field) {
	l.logger.Info(msg, toZap(fields)...)
}

// Warn logs a warning message with optional fields
func (l *ZapLogger) Warn(msg string, fields ...Field) {
	l.logger.Warn(msg, toZap(fields)...)
}

// Error logs an error message with optional fields
func (l *ZapLogger) Error(msg string, fields ...Field) {
	l.logger.Error(msg, toZap(fields)...)
}

// With returns a child logger carrying the given fields
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{logger: l.logger.With(toZap(fields)...), level: l.level}
}

// SetLevel changes the logging level of this logger and all its children
func (l *ZapLogger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

// GetLevel returns the current logging level
func (l *ZapLogger) GetLevel() LogLevel {
	switch l.level.Level() {
	case zapcore.DebugLevel:
		return DebugLevel
	case zapcore.WarnLevel:
		return WarnLevel
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Zap exposes the underlying zap logger
func (l *ZapLogger) Zap() *zap.Logger {
	return l.logger
}

// Close flushes buffered entries
func (l *ZapLogger) Close() error {
	err := l.logger.Sync()
	if err != nil && isStdSyncError(err) {
		return nil
	}
	return err
}

// syncing stdout on a terminal reports EINVAL or ENOTTY, which is harmless
func isStdSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}

// Helper functions for creating common fields

// StringField creates a string field
func StringField(key, value string) Field {
	return Field{Key: key, Value: value}
}

// IntField creates an integer field
func IntField(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field
func ErrorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// TransactionField creates a transaction ID field
func TransactionField(txnID string) Field {
	return Field{Key: "transaction_id", Value: txnID}
}

// MethodField creates a SIP method field
func MethodField(method string) Field {
	return Field{Key: "sip_method", Value: method}
}

// AddressField creates an address field
func AddressField(key, address string) Field {
	return Field{Key: key, Value: address}
}

// CallIDField creates a Call-ID field
func CallIDField(callID string) Field {
	return Field{Key: "call_id", Value: callID}
}

// UserField creates a user field
func UserField(user string) Field {
	return Field{Key: "user", Value: user}
}

// FirstLineField carries the start line of the message being processed
func FirstLineField(line string) Field {
	return Field{Key: "first_line", Value: line}
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level  string
	File   string
	Format string
}

// NewLoggerFromConfig creates a logger based on configuration
func NewLoggerFromConfig(config LoggerConfig) (*ZapLogger, error) {
	level, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, err
	}
	switch config.Format {
	case "", "console", "json":
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}
	return build(config, level)
}

func build(config LoggerConfig, level LogLevel) (*ZapLogger, error) {
	atomic := zap.NewAtomicLevelAt(level.zapLevel())

	zcfg := zap.NewProductionConfig()
	zcfg.Level = atomic
	zcfg.Sampling = nil
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if config.Format == "json" {
		zcfg.Encoding = "json"
	} else {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	zcfg.OutputPaths = []string{"stdout"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if config.File != "" && config.File != "stdout" {
		zcfg.OutputPaths = []string{config.File}
		// warnings and errors still reach the console
		if level <= WarnLevel {
			zcfg.OutputPaths = append(zcfg.OutputPaths, "stdout")
		}
	}

	logger, err := zcfg.Build(zap.WithCaller(false))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &ZapLogger{logger: logger, level: atomic}, nil
}

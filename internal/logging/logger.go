// Package logging provides structured, leveled logging for the progress
// engine, backed by zap.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level LogLevel
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{Level: LevelInfo}
}

// Logger wraps a zap.SugaredLogger with the key=value call shape the rest
// of this module uses.
type Logger struct {
	sugar *zap.SugaredLogger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger at the given level.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(config.Level.zapLevel())
	zc.Encoding = "console"
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := zc.Build()
	if err != nil {
		z = zap.NewNop()
	}
	return &Logger{sugar: z.Sugar()}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

func (l *Logger) Debugf(format string, args ...any) { l.sugar.Debug(fmt.Sprintf(format, args...)) }
func (l *Logger) Infof(format string, args ...any)  { l.sugar.Info(fmt.Sprintf(format, args...)) }
func (l *Logger) Warnf(format string, args ...any)  { l.sugar.Warn(fmt.Sprintf(format, args...)) }
func (l *Logger) Errorf(format string, args ...any) { l.sugar.Error(fmt.Sprintf(format, args...)) }

// Printf is kept for call sites that treat the logger as a plain
// interfaces.Logger (see internal/interfaces).
func (l *Logger) Printf(format string, args ...any) { l.Infof(format, args...) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.sugar.Sync() }

// Global convenience functions against the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

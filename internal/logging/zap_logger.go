package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a zap SugaredLogger to pgguard.Logger.
// Safe for concurrent use by multiple goroutines.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger. A nil logger yields a no-op logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{sugar: l.Sugar()}
}

// NewConsoleLogger creates a human-readable logger writing to stderr.
// Debug output is enabled only when verbose is true.
func NewConsoleLogger(verbose bool) *ZapLogger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	return NewZapLogger(zap.New(core))
}

// NewJSONLogger creates a production JSON logger at the given level
// ("debug", "info", "warn", "error"). Unknown levels fall back to info.
func NewJSONLogger(level string) *ZapLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build()
	if err != nil {
		return NewConsoleLogger(lvl == zapcore.DebugLevel)
	}
	return NewZapLogger(l)
}

// With returns a child logger carrying the given key-value pairs.
func (l *ZapLogger) With(keysAndValues ...any) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.With(keysAndValues...)}
}

// Named returns a child logger for a component.
func (l *ZapLogger) Named(component string) *ZapLogger {
	return &ZapLogger{sugar: l.sugar.Named(component)}
}

// Debug logs detailed diagnostic information.
func (l *ZapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs informational messages about normal operations.
func (l *ZapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs recoverable problems.
func (l *ZapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs failures.
func (l *ZapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}

package pgguard

// Logger provides a pluggable structured logging interface for pgguard.
// keysAndValues are alternating key/value pairs, e.g.
//
//	logger.Warn("retrying operation", "operation", op, "attempt", 2)
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Logger interface {
	// Debug logs detailed diagnostic information.
	Debug(msg string, keysAndValues ...any)

	// Info logs informational messages about normal operations.
	Info(msg string, keysAndValues ...any)

	// Warn logs recoverable problems such as retries and slow operations.
	Warn(msg string, keysAndValues ...any)

	// Error logs failures.
	Error(msg string, keysAndValues ...any)
}

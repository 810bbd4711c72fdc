package pgguard

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common failure scenarios.
// These enable callers to distinguish error types using errors.Is().
//
// Example usage:
//
//	err := mgr.ExecuteWithRetry(ctx, "users.insert", "users", op)
//	if errors.Is(err, pgguard.ErrCircuitOpen) {
//	    // Back off and try again later
//	}
var (
	// ErrNotInitialized indicates the manager has no usable pool: either no
	// connection target was configured, Initialize was never called, or the
	// manager has been closed.
	ErrNotInitialized = errors.New("database not initialized")

	// ErrCircuitOpen indicates the circuit breaker rejected the call without
	// running the operation. Callers should treat it as "try again later".
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the pool could not be opened or probed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrUnsupportedAuthMethod indicates the requested authentication method is not supported.
	ErrUnsupportedAuthMethod = errors.New("unsupported authentication method")

	// ErrInvalidIsolationLevel indicates an isolation level outside the supported set.
	ErrInvalidIsolationLevel = errors.New("invalid isolation level")
)

// DBError is returned when a database operation fails after classification.
// Error() is meant for logs; UserMessage is safe to show to end users.
type DBError struct {
	Operation   string
	Code        string
	Kind        ErrorKind
	Retryable   bool
	UserMessage string
	Attempts    int
	Err         error
}

// NewDBError wraps err with the given classification and attempt count.
func NewDBError(c Classification, attempts int, err error) *DBError {
	return &DBError{
		Operation:   c.Operation,
		Code:        c.OriginalCode,
		Kind:        c.Kind,
		Retryable:   c.Retryable,
		UserMessage: c.UserMessage,
		Attempts:    attempts,
		Err:         err,
	}
}

func (e *DBError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Operation)
	fmt.Fprintf(&b, " (kind=%s", e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, ", code=%s", e.Code)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, ", attempts=%d", e.Attempts)
	}
	b.WriteString(")")
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// ExitCodeForError returns the appropriate exit code for an error.
// Returns ExitSuccess (0) for nil errors, semantic codes for known errors,
// and ExitGeneralError (1) for unclassified errors.
func ExitCodeForError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrUnsupportedAuthMethod),
		errors.Is(err, ErrInvalidIsolationLevel):
		return ExitConfigError
	case errors.Is(err, ErrNotInitialized):
		return ExitNotInitialized
	case errors.Is(err, ErrCircuitOpen):
		return ExitCircuitOpen
	case errors.Is(err, ErrConnectionFailed):
		return ExitConnectionError
	}

	var dbErr *DBError
	if errors.As(err, &dbErr) {
		switch dbErr.Kind {
		case KindConnectionFailure, KindResourceExhaustion:
			return ExitConnectionError
		default:
			return ExitExecutionFailed
		}
	}

	// cobra reports flag and argument problems as plain errors
	errStr := err.Error()
	for _, prefix := range []string{"unknown flag", "unknown shorthand flag", "unknown command", "accepts ", "requires at least", "required flag", "invalid argument"} {
		if strings.HasPrefix(errStr, prefix) {
			return ExitUsageError
		}
	}

	return ExitGeneralError
}

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// PostgreSQL error codes with a specific meaning for the classifier.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// Class 40 - Transaction Rollback
	pgCodeSerializationFailure = "40001"
	pgCodeDeadlockDetected     = "40P01"

	// Class 53 - Insufficient Resources
	pgCodeInsufficientResources      = "53000"
	pgCodeDiskFull                   = "53100"
	pgCodeOutOfMemory                = "53200"
	pgCodeTooManyConnections         = "53300"
	pgCodeConfigurationLimitExceeded = "53400"

	// Class 55 - Object Not In Prerequisite State
	pgCodeLockNotAvailable = "55P03"

	// Class 57 - Operator Intervention
	pgCodeAdminShutdown    = "57P01"
	pgCodeCrashShutdown    = "57P02"
	pgCodeCannotConnectNow = "57P03"
)

// PostgreSQLErrorClassifier implements pgguard.ErrorClassifier for pgx errors.
// It is stateless and safe for concurrent use.
type PostgreSQLErrorClassifier struct{}

// NewPostgreSQLErrorClassifier creates a new PostgreSQL error classifier.
func NewPostgreSQLErrorClassifier() *PostgreSQLErrorClassifier {
	return &PostgreSQLErrorClassifier{}
}

// Classify maps err to a Classification. It never panics; errors without a
// recognizable shape resolve to KindUnknown, not retryable.
func (c *PostgreSQLErrorClassifier) Classify(err error, operation string, context map[string]any) pgguard.Classification {
	kind, retryable, code := c.kindOf(err)

	ctx := make(map[string]any, len(context)+3)
	for k, v := range context {
		ctx[k] = v
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.TableName != "" {
			ctx["table"] = pgErr.TableName
		}
		if pgErr.ConstraintName != "" {
			ctx["constraint"] = pgErr.ConstraintName
		}
		if pgErr.ColumnName != "" {
			ctx["column"] = pgErr.ColumnName
		}
	}

	return pgguard.Classification{
		Kind:         kind,
		Retryable:    retryable,
		UserMessage:  pgguard.UserMessageFor(kind),
		OriginalCode: code,
		Operation:    operation,
		Context:      ctx,
	}
}

func (c *PostgreSQLErrorClassifier) kindOf(err error) (pgguard.ErrorKind, bool, string) {
	if err == nil {
		return pgguard.KindUnknown, false, ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		kind, retryable := classifyPgCode(pgErr.Code)
		return kind, retryable, pgErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return pgguard.KindUnknown, false, ""
	}

	if code, ok := networkErrno(err); ok {
		return pgguard.KindConnectionFailure, true, code
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return pgguard.KindConnectionFailure, true, "TIMEOUT"
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return pgguard.KindConnectionFailure, true, ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return pgguard.KindConnectionFailure, dnsErr.Temporary() || dnsErr.Timeout() || dnsErr.IsNotFound, ""
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return pgguard.KindConnectionFailure, true, ""
	}

	kind, retryable := classifyMessage(err.Error())
	return kind, retryable, ""
}

// classifyPgCode maps a SQLSTATE to a kind.
func classifyPgCode(code string) (pgguard.ErrorKind, bool) {
	switch code {
	case pgCodeSerializationFailure, pgCodeDeadlockDetected, pgCodeLockNotAvailable:
		return pgguard.KindTransactionConflict, true
	case pgCodeTooManyConnections, pgCodeConfigurationLimitExceeded:
		return pgguard.KindResourceExhaustion, true
	case pgCodeInsufficientResources, pgCodeDiskFull, pgCodeOutOfMemory:
		return pgguard.KindResourceExhaustion, false
	case pgCodeAdminShutdown, pgCodeCrashShutdown, pgCodeCannotConnectNow:
		return pgguard.KindConnectionFailure, true
	}

	switch {
	case strings.HasPrefix(code, "08"):
		return pgguard.KindConnectionFailure, true
	case strings.HasPrefix(code, "23"):
		return pgguard.KindConstraintViolation, false
	case strings.HasPrefix(code, "42"), strings.HasPrefix(code, "22"):
		return pgguard.KindQueryError, false
	case strings.HasPrefix(code, "53"):
		return pgguard.KindResourceExhaustion, false
	}

	return pgguard.KindUnknown, false
}

// networkErrno recognizes socket-level failures and returns the errno name.
func networkErrno(err error) (string, bool) {
	for _, e := range []struct {
		errno syscall.Errno
		name  string
	}{
		{syscall.ECONNREFUSED, "ECONNREFUSED"},
		{syscall.ECONNRESET, "ECONNRESET"},
		{syscall.ECONNABORTED, "ECONNABORTED"},
		{syscall.ETIMEDOUT, "ETIMEDOUT"},
		{syscall.EPIPE, "EPIPE"},
		{syscall.ENETUNREACH, "ENETUNREACH"},
		{syscall.EHOSTUNREACH, "EHOSTUNREACH"},
	} {
		if errors.Is(err, e.errno) {
			return e.name, true
		}
	}
	return "", false
}

var messagePatterns = []struct {
	pattern   string
	kind      pgguard.ErrorKind
	retryable bool
}{
	{"too many clients", pgguard.KindResourceExhaustion, true},
	{"too many connections", pgguard.KindResourceExhaustion, true},
	{"remaining connection slots", pgguard.KindResourceExhaustion, true},
	{"out of memory", pgguard.KindResourceExhaustion, false},
	{"no space left on device", pgguard.KindResourceExhaustion, false},
	{"connection refused", pgguard.KindConnectionFailure, true},
	{"connection reset", pgguard.KindConnectionFailure, true},
	{"connection terminated", pgguard.KindConnectionFailure, true},
	{"connection timeout", pgguard.KindConnectionFailure, true},
	{"connection failure", pgguard.KindConnectionFailure, true},
	{"server closed the connection", pgguard.KindConnectionFailure, true},
	{"broken pipe", pgguard.KindConnectionFailure, true},
	{"unexpected eof", pgguard.KindConnectionFailure, true},
	{"no such host", pgguard.KindConnectionFailure, true},
	{"network is unreachable", pgguard.KindConnectionFailure, true},
	{"i/o timeout", pgguard.KindConnectionFailure, true},
	{"timed out", pgguard.KindConnectionFailure, true},
	{"deadlock detected", pgguard.KindTransactionConflict, true},
	{"could not serialize access", pgguard.KindTransactionConflict, true},
	{"duplicate key", pgguard.KindConstraintViolation, false},
	{"violates", pgguard.KindConstraintViolation, false},
	{"syntax error", pgguard.KindQueryError, false},
	{"does not exist", pgguard.KindQueryError, false},
}

// classifyMessage is the fallback for errors that carry no code.
func classifyMessage(msg string) (pgguard.ErrorKind, bool) {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		if strings.Contains(lower, p.pattern) {
			return p.kind, p.retryable
		}
	}
	return pgguard.KindUnknown, false
}

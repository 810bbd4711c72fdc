package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"pgregory.net/rapid"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

func TestPostgreSQLErrorClassifier_Classify_PostgreSQLErrors(t *testing.T) {
	classifier := NewPostgreSQLErrorClassifier()

	tests := []struct {
		name      string
		code      string
		kind      pgguard.ErrorKind
		retryable bool
	}{
		{"connection_exception", "08000", pgguard.KindConnectionFailure, true},
		{"connection_failure", "08006", pgguard.KindConnectionFailure, true},
		{"admin_shutdown", "57P01", pgguard.KindConnectionFailure, true},
		{"cannot_connect_now", "57P03", pgguard.KindConnectionFailure, true},
		{"unique_violation", "23505", pgguard.KindConstraintViolation, false},
		{"foreign_key_violation", "23503", pgguard.KindConstraintViolation, false},
		{"not_null_violation", "23502", pgguard.KindConstraintViolation, false},
		{"check_violation", "23514", pgguard.KindConstraintViolation, false},
		{"syntax_error", "42601", pgguard.KindQueryError, false},
		{"undefined_table", "42P01", pgguard.KindQueryError, false},
		{"undefined_column", "42703", pgguard.KindQueryError, false},
		{"invalid_text_representation", "22P02", pgguard.KindQueryError, false},
		{"serialization_failure", "40001", pgguard.KindTransactionConflict, true},
		{"deadlock_detected", "40P01", pgguard.KindTransactionConflict, true},
		{"lock_not_available", "55P03", pgguard.KindTransactionConflict, true},
		{"too_many_connections", "53300", pgguard.KindResourceExhaustion, true},
		{"disk_full", "53100", pgguard.KindResourceExhaustion, false},
		{"out_of_memory", "53200", pgguard.KindResourceExhaustion, false},
		{"unrecognized", "XX999", pgguard.KindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &pgconn.PgError{Code: tt.code, Message: "raw driver detail"}
			c := classifier.Classify(err, "op", nil)

			if c.Kind != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, c.Kind)
			}
			if c.Retryable != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, c.Retryable)
			}
			if c.OriginalCode != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, c.OriginalCode)
			}
			if c.UserMessage != pgguard.UserMessageFor(tt.kind) {
				t.Errorf("Expected user message for %v, got %q", tt.kind, c.UserMessage)
			}
		})
	}
}

func TestPostgreSQLErrorClassifier_Classify_NetworkErrors(t *testing.T) {
	classifier := NewPostgreSQLErrorClassifier()

	tests := []struct {
		name string
		err  error
		code string
	}{
		{
			name: "connection refused",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)},
			code: "ECONNREFUSED",
		},
		{
			name: "connection reset",
			err:  &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)},
			code: "ECONNRESET",
		},
		{
			name: "deadline exceeded",
			err:  fmt.Errorf("query: %w", context.DeadlineExceeded),
			code: "TIMEOUT",
		},
		{
			name: "unexpected eof",
			err:  fmt.Errorf("read: %w", io.ErrUnexpectedEOF),
		},
		{
			name: "connection terminated message",
			err:  errors.New("Connection terminated unexpectedly"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := classifier.Classify(tt.err, "op", nil)
			if c.Kind != pgguard.KindConnectionFailure || !c.Retryable {
				t.Errorf("Expected retryable ConnectionFailure, got %v retryable=%v", c.Kind, c.Retryable)
			}
			if c.OriginalCode != tt.code {
				t.Errorf("Expected code %q, got %q", tt.code, c.OriginalCode)
			}
		})
	}
}

func TestPostgreSQLErrorClassifier_Classify_Messages(t *testing.T) {
	classifier := NewPostgreSQLErrorClassifier()

	tests := []struct {
		msg       string
		kind      pgguard.ErrorKind
		retryable bool
	}{
		{"FATAL: sorry, too many clients already", pgguard.KindResourceExhaustion, true},
		{"out of memory", pgguard.KindResourceExhaustion, false},
		{"duplicate key value violates unique constraint", pgguard.KindConstraintViolation, false},
		{"syntax error at or near SELEC", pgguard.KindQueryError, false},
		{"something odd happened", pgguard.KindUnknown, false},
	}

	for _, tt := range tests {
		c := classifier.Classify(errors.New(tt.msg), "op", nil)
		if c.Kind != tt.kind || c.Retryable != tt.retryable {
			t.Errorf("%q: expected %v/%v, got %v/%v", tt.msg, tt.kind, tt.retryable, c.Kind, c.Retryable)
		}
	}
}

func TestPostgreSQLErrorClassifier_Classify_WrappedAndContext(t *testing.T) {
	classifier := NewPostgreSQLErrorClassifier()
	pgErr := &pgconn.PgError{Code: "23505", TableName: "users", ConstraintName: "users_email_key"}
	wrapped := fmt.Errorf("insert user: %w", pgErr)

	in := map[string]any{"resource": "users"}
	c := classifier.Classify(wrapped, "users.insert", in)

	if c.Kind != pgguard.KindConstraintViolation {
		t.Fatalf("Expected ConstraintViolation through wrapping, got %v", c.Kind)
	}
	if c.Operation != "users.insert" {
		t.Errorf("Expected operation to be carried, got %q", c.Operation)
	}
	if c.Context["constraint"] != "users_email_key" || c.Context["table"] != "users" || c.Context["resource"] != "users" {
		t.Errorf("Unexpected context: %v", c.Context)
	}
	if _, leaked := in["constraint"]; leaked {
		t.Error("Classify must not mutate the caller's context map")
	}
}

func TestPostgreSQLErrorClassifier_Classify_CanceledAndNil(t *testing.T) {
	classifier := NewPostgreSQLErrorClassifier()

	if c := classifier.Classify(context.Canceled, "op", nil); c.Kind != pgguard.KindUnknown || c.Retryable {
		t.Errorf("Expected Unknown/non-retryable for cancellation, got %v/%v", c.Kind, c.Retryable)
	}
	if c := classifier.Classify(nil, "op", nil); c.Kind != pgguard.KindUnknown || c.Retryable {
		t.Errorf("Expected Unknown/non-retryable for nil, got %v/%v", c.Kind, c.Retryable)
	}
}

func TestPostgreSQLErrorClassifier_Totality(t *testing.T) {
	classifier := NewPostgreSQLErrorClassifier()

	rapid.Check(t, func(t *rapid.T) {
		code := rapid.StringMatching(`[0-9A-Z]{5}`).Draw(t, "code")
		msg := rapid.String().Draw(t, "msg")

		for _, err := range []error{
			&pgconn.PgError{Code: code, Message: msg},
			errors.New(msg),
		} {
			c := classifier.Classify(err, "op", nil)
			if c.UserMessage == "" {
				t.Fatalf("empty user message for %v", err)
			}
			if msg != "" && len(msg) > 3 && c.UserMessage == msg {
				t.Fatalf("user message leaked driver text %q", msg)
			}
			if c.Kind == pgguard.KindUnknown && c.Retryable {
				t.Fatalf("unknown kind must not be retryable (%v)", err)
			}
		}
	})
}

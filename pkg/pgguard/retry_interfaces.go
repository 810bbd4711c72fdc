package pgguard

import "time"

// ErrorClassifier maps raw driver errors to a Classification.
// Implementations must be total: every error, including nil-free unknown
// shapes, resolves to a classification without panicking.
type ErrorClassifier interface {
	Classify(err error, operation string, context map[string]any) Classification
}

// BackoffStrategy calculates the delay before the next retry attempt.
type BackoffStrategy interface {
	// NextDelay returns the duration to wait before the next attempt.
	// retry is zero-indexed (0 = wait before the second attempt).
	NextDelay(retry int) time.Duration

	// MaxAttempts returns the total number of attempts, including the first.
	MaxAttempts() int
}

package pgguard

import "time"

// Exit codes for semantic error classification.
// These follow Unix/GNU conventions:
//   - 0: Success
//   - 1: General error
//   - 2: CLI usage error (misuse of command line)
//   - 3+: Application-specific errors
const (
	ExitSuccess         = 0  // Command completed successfully
	ExitGeneralError    = 1  // Unknown or unclassified error
	ExitUsageError      = 2  // CLI usage error (missing args, invalid flags)
	ExitPanic           = 3  // Internal panic (unexpected crash)
	ExitConfigError     = 10 // Invalid configuration
	ExitConnectionError = 11 // Failed to connect to database
	ExitNotInitialized  = 12 // No database configured or manager closed
	ExitExecutionFailed = 13 // SQL execution failed
	ExitCircuitOpen     = 14 // Circuit breaker rejected the call
)

const (
	// DefaultMinConnections is the number of connections kept open when idle.
	DefaultMinConnections = 2

	// DefaultMaxConnections bounds concurrent physical connections.
	DefaultMaxConnections = 10

	// DefaultIdleTimeout closes idle connections above the minimum.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultConnectTimeout bounds both dialing and pool acquisition.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultMaxConnLifetime recycles physical connections periodically.
	DefaultMaxConnLifetime = time.Hour

	// DefaultRetryMaxAttempts is the default total number of attempts per operation.
	DefaultRetryMaxAttempts = 3

	// DefaultRetryBaseDelay is the wait before the second attempt.
	DefaultRetryBaseDelay = 100 * time.Millisecond

	// DefaultRetryMaxDelay caps the wait between attempts.
	DefaultRetryMaxDelay = 1 * time.Second

	// DefaultBreakerThreshold is the number of consecutive failures that opens the breaker.
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown is how long the breaker stays open before a probe.
	DefaultBreakerCooldown = 30 * time.Second

	// DefaultSlowOperationThreshold marks attempts that deserve a slow-operation warning.
	DefaultSlowOperationThreshold = 1 * time.Second

	// DefaultHealthProbeQuery is the trivial round trip used to verify readiness.
	DefaultHealthProbeQuery = "SELECT 1"

	// DefaultMetricsNamespace prefixes exported Prometheus metrics.
	DefaultMetricsNamespace = "pgguard"
)

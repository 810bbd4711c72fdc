package pgguard

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// PoolConfig is the immutable configuration of a pool manager.
type PoolConfig struct {
	// ConnectionString is the PostgreSQL connection target (URI or ADO.NET format).
	// An empty string puts the manager into unconfigured mode.
	ConnectionString string

	MinConnections int
	MaxConnections int

	// IdleTimeout closes connections idle for longer than this (above MinConnections).
	IdleTimeout time.Duration

	// ConnectTimeout bounds dialing a new connection and waiting for a free one.
	ConnectTimeout time.Duration

	// MaxConnLifetime recycles connections older than this. Zero keeps the driver default.
	MaxConnLifetime time.Duration

	// HealthCheckInterval controls the background monitor. Zero disables it.
	HealthCheckInterval time.Duration

	// AuthMethod selects how credentials are obtained.
	AuthMethod AuthMethod

	// Cloud IAM parameters, used only by the matching AuthMethod.
	AWSRegion         string
	GoogleInstance    string
	AzureTenantID     string
	AzureClientID     string
	AzureClientSecret string
}

// DefaultPoolConfig returns a PoolConfig with default sizing and no target.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConnections:  DefaultMinConnections,
		MaxConnections:  DefaultMaxConnections,
		IdleTimeout:     DefaultIdleTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		MaxConnLifetime: DefaultMaxConnLifetime,
	}
}

// Configured reports whether a connection target is set.
func (c PoolConfig) Configured() bool {
	return strings.TrimSpace(c.ConnectionString) != ""
}

// Validate checks sizing and timeout invariants.
// It returns a multi-error if multiple validation failures occur.
func (c PoolConfig) Validate() error {
	var errs []error

	if c.MinConnections < 0 {
		errs = append(errs, fmt.Errorf("MinConnections cannot be negative: %w", ErrInvalidConfig))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("MaxConnections cannot be negative: %w", ErrInvalidConfig))
	}
	if c.MaxConnections > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("MaxConnections (%d) exceeds %d: %w", c.MaxConnections, math.MaxInt32, ErrInvalidConfig))
	}
	if c.MinConnections > c.MaxConnections {
		errs = append(errs, fmt.Errorf("MinConnections (%d) exceeds MaxConnections (%d): %w",
			c.MinConnections, c.MaxConnections, ErrInvalidConfig))
	}
	if c.Configured() && c.MaxConnections == 0 {
		errs = append(errs, fmt.Errorf("MaxConnections must be positive when a connection target is set: %w", ErrInvalidConfig))
	}
	if c.IdleTimeout < 0 || c.ConnectTimeout < 0 || c.MaxConnLifetime < 0 || c.HealthCheckInterval < 0 {
		errs = append(errs, fmt.Errorf("timeouts cannot be negative: %w", ErrInvalidConfig))
	}
	if !c.AuthMethod.IsValid() {
		errs = append(errs, fmt.Errorf("auth method %v: %w", c.AuthMethod, ErrUnsupportedAuthMethod))
	}

	return errors.Join(errs...)
}

// RetryPolicy bounds the retrying executor. It carries no mutable state.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the default policy (3 attempts, 100ms base, 1s cap).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultRetryMaxAttempts,
		BaseDelay:   DefaultRetryBaseDelay,
		MaxDelay:    DefaultRetryMaxDelay,
	}
}

// Validate checks that the policy can run at least one attempt.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("MaxAttempts must be at least 1: %w", ErrInvalidConfig))
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delays cannot be negative: %w", ErrInvalidConfig))
	}
	if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
		errs = append(errs, fmt.Errorf("BaseDelay exceeds MaxDelay: %w", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// PoolStats is a point-in-time snapshot; it is not synchronized with any
// other operation.
type PoolStats struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
	Max     int `json:"max"`
}

// HealthStatus summarizes readiness for a health-check endpoint.
type HealthStatus struct {
	Healthy            bool `json:"healthy"`
	Initialized        bool `json:"initialized"`
	ActiveConnections  int  `json:"active_connections"`
	IdleConnections    int  `json:"idle_connections"`
	WaitingClients     int  `json:"waiting_clients"`
	CircuitBreakerOpen bool `json:"circuit_breaker_open"`
}

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns a human-readable string representation of the BreakerState.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "Closed"
	case BreakerOpen:
		return "Open"
	case BreakerHalfOpen:
		return "HalfOpen"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s BreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerStatus is a snapshot of the breaker.
type CircuitBreakerStatus struct {
	State           BreakerState  `json:"state"`
	FailureCount    int           `json:"failure_count"`
	Threshold       int           `json:"threshold"`
	Cooldown        time.Duration `json:"cooldown"`
	LastFailureTime time.Time     `json:"last_failure_time"`
	Rejections      uint64        `json:"rejections"`
}

// ExecutorMetrics are cumulative counters of the retrying executor.
type ExecutorMetrics struct {
	Attempts          uint64 `json:"attempts"`
	Successes         uint64 `json:"successes"`
	Failures          uint64 `json:"failures"`
	Retries           uint64 `json:"retries"`
	SlowOperations    uint64 `json:"slow_operations"`
	BreakerRejections uint64 `json:"breaker_rejections"`
}

// TransactionMetrics are cumulative counters of the transaction coordinator.
type TransactionMetrics struct {
	Started     uint64 `json:"started"`
	Committed   uint64 `json:"committed"`
	RolledBack  uint64 `json:"rolled_back"`
	Retried     uint64 `json:"retried"`
	RollbackErr uint64 `json:"rollback_errors"`
}

// Metrics is the combined diagnostic snapshot exposed by the manager.
type Metrics struct {
	Executor       ExecutorMetrics      `json:"executor"`
	Transactions   TransactionMetrics   `json:"transactions"`
	Pool           PoolStats            `json:"pool"`
	CircuitBreaker CircuitBreakerStatus `json:"circuit_breaker"`
}

// IsolationLevel is the requested transaction isolation.
type IsolationLevel string

const (
	IsolationDefault         IsolationLevel = ""
	IsolationReadUncommitted IsolationLevel = "READ UNCOMMITTED"
	IsolationReadCommitted   IsolationLevel = "READ COMMITTED"
	IsolationRepeatableRead  IsolationLevel = "REPEATABLE READ"
	IsolationSerializable    IsolationLevel = "SERIALIZABLE"
)

// ParseIsolationLevel accepts SQL spellings and snake/kebab case
// ("serializable", "repeatable_read", "READ COMMITTED").
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	switch IsolationLevel(norm) {
	case IsolationDefault:
		return IsolationDefault, nil
	case IsolationReadUncommitted, IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable:
		return IsolationLevel(norm), nil
	}
	return IsolationDefault, fmt.Errorf("%q: %w", s, ErrInvalidIsolationLevel)
}

// TxOptions are the options recognized by the transaction coordinator.
type TxOptions struct {
	// Name labels the transaction in logs and observations ("transaction" when empty).
	Name string

	IsolationLevel IsolationLevel

	// MaxRetries is the total number of attempts for the whole transaction
	// when it fails with a TransactionConflict. Zero uses the retry policy.
	MaxRetries int
}

// AuthMethod represents the type of authentication to use.
type AuthMethod int

const (
	AuthMethodStandard     AuthMethod = iota // Username/Password
	AuthMethodAWSIAM                         // AWS IAM Database Authentication
	AuthMethodGoogleIAM                      // Google Cloud SQL IAM
	AuthMethodAzureEntraID                   // Azure Active Directory (Entra ID)
)

// String returns a human-readable string representation of the AuthMethod.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodStandard:
		return "Standard"
	case AuthMethodAWSIAM:
		return "AWS IAM"
	case AuthMethodGoogleIAM:
		return "Google IAM"
	case AuthMethodAzureEntraID:
		return "Azure Entra ID"
	default:
		return fmt.Sprintf("Unknown(%d)", a)
	}
}

// IsValid returns true if the AuthMethod is a valid, defined value.
func (a AuthMethod) IsValid() bool {
	return a >= AuthMethodStandard && a <= AuthMethodAzureEntraID
}

// ParseAuthMethod maps config spellings ("standard", "aws", "google", "azure") to an AuthMethod.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "password":
		return AuthMethodStandard, nil
	case "aws", "aws-iam", "aws_iam":
		return AuthMethodAWSIAM, nil
	case "google", "gcp", "google-iam", "google_iam":
		return AuthMethodGoogleIAM, nil
	case "azure", "entra", "azure-entra-id", "azure_entra_id":
		return AuthMethodAzureEntraID, nil
	}
	return AuthMethodStandard, fmt.Errorf("%q: %w", s, ErrUnsupportedAuthMethod)
}

// ConnectionConfig represents parsed connection parameters.
type ConnectionConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string

	AppName          string
	ConnectTimeout   time.Duration
	AdditionalParams map[string]string
}

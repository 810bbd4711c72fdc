package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vvka-141/pgguard/internal/breaker"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// ErrConfigNotFound is returned when the config file does not exist.
// Callers can check for this with errors.Is(err, config.ErrConfigNotFound).
var ErrConfigNotFound = errors.New("config file not found")

// DatabaseConfig names the target. Cloud fields are used only by the
// matching auth_method.
type DatabaseConfig struct {
	ConnectionString string `yaml:"connection_string,omitempty"`
	AuthMethod       string `yaml:"auth_method,omitempty"`
	AWSRegion        string `yaml:"aws_region,omitempty"`
	GoogleInstance   string `yaml:"google_instance,omitempty"`
	AzureTenantID    string `yaml:"azure_tenant_id,omitempty"`
	AzureClientID    string `yaml:"azure_client_id,omitempty"`
}

type PoolConfig struct {
	MinConnections      *int   `yaml:"min_connections,omitempty"`
	MaxConnections      *int   `yaml:"max_connections,omitempty"`
	IdleTimeout         string `yaml:"idle_timeout,omitempty"`
	ConnectTimeout      string `yaml:"connect_timeout,omitempty"`
	MaxConnLifetime     string `yaml:"max_conn_lifetime,omitempty"`
	HealthCheckInterval string `yaml:"health_check_interval,omitempty"`
	SlowThreshold       string `yaml:"slow_threshold,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	BaseDelay   string `yaml:"base_delay,omitempty"`
	MaxDelay    string `yaml:"max_delay,omitempty"`
}

type BreakerConfig struct {
	Threshold int    `yaml:"threshold,omitempty"`
	Cooldown  string `yaml:"cooldown,omitempty"`
}

type TransactionConfig struct {
	IsolationLevel string `yaml:"isolation_level,omitempty"`
	MaxRetries     int    `yaml:"max_retries,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // console or json
}

type MetricsConfig struct {
	Namespace string `yaml:"namespace,omitempty"`
	Address   string `yaml:"address,omitempty"`
}

// ProjectConfig is the content of pgguard.yaml. Every section is optional;
// omitted values fall back to the pgguard defaults.
type ProjectConfig struct {
	Database    DatabaseConfig    `yaml:"database"`
	Pool        PoolConfig        `yaml:"pool"`
	Retry       RetryConfig       `yaml:"retry"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Transaction TransactionConfig `yaml:"transaction"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

const ConfigFileName = "pgguard.yaml"

// DefaultMetricsAddress is where `pgguard monitor` listens unless configured.
const DefaultMetricsAddress = ":9187"

// Load reads pgguard.yaml from dir.
func Load(dir string) (*ProjectConfig, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads a config file from an explicit path.
func LoadFile(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", path, pgguard.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// ToPoolConfig builds the manager configuration for connStr. Durations are
// Go duration strings ("30s", "1m").
func (c *ProjectConfig) ToPoolConfig(connStr string) (pgguard.PoolConfig, error) {
	cfg := pgguard.DefaultPoolConfig()
	cfg.ConnectionString = connStr
	cfg.AWSRegion = c.Database.AWSRegion
	cfg.GoogleInstance = c.Database.GoogleInstance
	cfg.AzureTenantID = c.Database.AzureTenantID
	cfg.AzureClientID = c.Database.AzureClientID

	var errs []error

	auth, err := pgguard.ParseAuthMethod(c.Database.AuthMethod)
	if err != nil {
		errs = append(errs, fmt.Errorf("database.auth_method: %w", err))
	}
	cfg.AuthMethod = auth

	if c.Pool.MinConnections != nil {
		cfg.MinConnections = *c.Pool.MinConnections
	}
	if c.Pool.MaxConnections != nil {
		cfg.MaxConnections = *c.Pool.MaxConnections
	}
	cfg.IdleTimeout = duration("pool.idle_timeout", c.Pool.IdleTimeout, cfg.IdleTimeout, &errs)
	cfg.ConnectTimeout = duration("pool.connect_timeout", c.Pool.ConnectTimeout, cfg.ConnectTimeout, &errs)
	cfg.MaxConnLifetime = duration("pool.max_conn_lifetime", c.Pool.MaxConnLifetime, cfg.MaxConnLifetime, &errs)
	cfg.HealthCheckInterval = duration("pool.health_check_interval", c.Pool.HealthCheckInterval, cfg.HealthCheckInterval, &errs)

	if err := errors.Join(errs...); err != nil {
		return pgguard.PoolConfig{}, err
	}
	return cfg, nil
}

// SlowThreshold returns pool.slow_threshold or the default.
func (c *ProjectConfig) SlowThreshold() (time.Duration, error) {
	var errs []error
	d := duration("pool.slow_threshold", c.Pool.SlowThreshold, pgguard.DefaultSlowOperationThreshold, &errs)
	return d, errors.Join(errs...)
}

// RetryPolicy returns the retry section merged over the defaults.
func (c *ProjectConfig) RetryPolicy() (pgguard.RetryPolicy, error) {
	p := pgguard.DefaultRetryPolicy()
	if c.Retry.MaxAttempts != 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}

	var errs []error
	p.BaseDelay = duration("retry.base_delay", c.Retry.BaseDelay, p.BaseDelay, &errs)
	p.MaxDelay = duration("retry.max_delay", c.Retry.MaxDelay, p.MaxDelay, &errs)
	errs = append(errs, p.Validate())

	if err := errors.Join(errs...); err != nil {
		return pgguard.RetryPolicy{}, err
	}
	return p, nil
}

// BreakerConfig returns the breaker section merged over the defaults.
func (c *ProjectConfig) BreakerConfig() (breaker.Config, error) {
	b := breaker.DefaultConfig()
	if c.Breaker.Threshold < 0 {
		return breaker.Config{}, fmt.Errorf("breaker.threshold cannot be negative: %w", pgguard.ErrInvalidConfig)
	}
	if c.Breaker.Threshold > 0 {
		b.Threshold = c.Breaker.Threshold
	}

	var errs []error
	b.Cooldown = duration("breaker.cooldown", c.Breaker.Cooldown, b.Cooldown, &errs)
	if err := errors.Join(errs...); err != nil {
		return breaker.Config{}, err
	}
	return b, nil
}

// TxOptions returns the default options for transactions started by the CLI.
func (c *ProjectConfig) TxOptions() (pgguard.TxOptions, error) {
	level, err := pgguard.ParseIsolationLevel(c.Transaction.IsolationLevel)
	if err != nil {
		return pgguard.TxOptions{}, fmt.Errorf("transaction.isolation_level: %w", err)
	}
	if c.Transaction.MaxRetries < 0 {
		return pgguard.TxOptions{}, fmt.Errorf("transaction.max_retries cannot be negative: %w", pgguard.ErrInvalidConfig)
	}
	return pgguard.TxOptions{IsolationLevel: level, MaxRetries: c.Transaction.MaxRetries}, nil
}

// MetricsAddress returns metrics.address or DefaultMetricsAddress.
func (c *ProjectConfig) MetricsAddress() string {
	if c.Metrics.Address != "" {
		return c.Metrics.Address
	}
	return DefaultMetricsAddress
}

func duration(field, value string, def time.Duration, errs *[]error) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a duration: %w", field, value, pgguard.ErrInvalidConfig))
		return def
	}
	if d < 0 {
		*errs = append(*errs, fmt.Errorf("%s cannot be negative: %w", field, pgguard.ErrInvalidConfig))
		return def
	}
	return d
}

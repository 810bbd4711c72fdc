package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644))
	return dir
}

func TestLoad_AllFields(t *testing.T) {
	dir := writeConfig(t, `database:
  connection_string: postgresql://app@db.internal:5432/orders
  auth_method: aws
  aws_region: eu-west-1

pool:
  min_connections: 0
  max_connections: 25
  idle_timeout: 45s
  connect_timeout: 2s
  max_conn_lifetime: 30m
  health_check_interval: 15s
  slow_threshold: 250ms

retry:
  max_attempts: 5
  base_delay: 50ms
  max_delay: 2s

breaker:
  threshold: 8
  cooldown: 1m

transaction:
  isolation_level: serializable
  max_retries: 4

logging:
  level: debug
  format: json

metrics:
  namespace: orders
  address: 127.0.0.1:9100
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	pool, err := cfg.ToPoolConfig(cfg.Database.ConnectionString)
	require.NoError(t, err)
	assert.Equal(t, "postgresql://app@db.internal:5432/orders", pool.ConnectionString)
	assert.Equal(t, pgguard.AuthMethodAWSIAM, pool.AuthMethod)
	assert.Equal(t, "eu-west-1", pool.AWSRegion)
	assert.Equal(t, 0, pool.MinConnections)
	assert.Equal(t, 25, pool.MaxConnections)
	assert.Equal(t, 45*time.Second, pool.IdleTimeout)
	assert.Equal(t, 2*time.Second, pool.ConnectTimeout)
	assert.Equal(t, 30*time.Minute, pool.MaxConnLifetime)
	assert.Equal(t, 15*time.Second, pool.HealthCheckInterval)

	slow, err := cfg.SlowThreshold()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, slow)

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, pgguard.RetryPolicy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}, policy)

	b, err := cfg.BreakerConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, b.Threshold)
	assert.Equal(t, time.Minute, b.Cooldown)

	tx, err := cfg.TxOptions()
	require.NoError(t, err)
	assert.Equal(t, pgguard.IsolationSerializable, tx.IsolationLevel)
	assert.Equal(t, 4, tx.MaxRetries)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "orders", cfg.Metrics.Namespace)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddress())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	require.NoError(t, err)

	pool, err := cfg.ToPoolConfig("")
	require.NoError(t, err)
	assert.Equal(t, pgguard.DefaultPoolConfig(), pool)
	assert.False(t, pool.Configured())

	policy, err := cfg.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, pgguard.DefaultRetryPolicy(), policy)

	b, err := cfg.BreakerConfig()
	require.NoError(t, err)
	assert.Equal(t, pgguard.DefaultBreakerThreshold, b.Threshold)
	assert.Equal(t, pgguard.DefaultBreakerCooldown, b.Cooldown)

	assert.Equal(t, DefaultMetricsAddress, cfg.MetricsAddress())
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load(t.TempDir())
	assert.True(t, errors.Is(err, ErrConfigNotFound), "expected ErrConfigNotFound, got: %v", err)
	assert.Nil(t, cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{{invalid"))
	assert.ErrorIs(t, err, pgguard.ErrInvalidConfig)
	assert.Nil(t, cfg)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ProjectConfig{}, *cfg)
}

func TestToPoolConfig_CollectsEveryError(t *testing.T) {
	cfg := &ProjectConfig{
		Database: DatabaseConfig{AuthMethod: "kerberos"},
		Pool:     PoolConfig{IdleTimeout: "soon", ConnectTimeout: "-1s"},
	}

	_, err := cfg.ToPoolConfig("postgresql://localhost/db")

	require.Error(t, err)
	assert.ErrorIs(t, err, pgguard.ErrUnsupportedAuthMethod)
	assert.ErrorIs(t, err, pgguard.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "pool.idle_timeout")
	assert.Contains(t, err.Error(), "pool.connect_timeout")
}

func TestRetryPolicy_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetryConfig
	}{
		{"negative attempts", RetryConfig{MaxAttempts: -1}},
		{"base above max", RetryConfig{BaseDelay: "5s", MaxDelay: "1s"}},
		{"bad duration", RetryConfig{MaxDelay: "forever"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&ProjectConfig{Retry: tt.cfg}).RetryPolicy()
			assert.ErrorIs(t, err, pgguard.ErrInvalidConfig)
		})
	}
}

func TestTxOptions_InvalidIsolation(t *testing.T) {
	_, err := (&ProjectConfig{Transaction: TransactionConfig{IsolationLevel: "snapshot"}}).TxOptions()
	assert.ErrorIs(t, err, pgguard.ErrInvalidIsolationLevel)
}

package db

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

// tokenExpiryWarning is the remaining lifetime below which a fresh token is logged as short-lived.
const tokenExpiryWarning = 5 * time.Minute

// Opener opens the connection pool described by cfg. It must not block on
// reaching the server; readiness is established by the caller's probe.
type Opener func(ctx context.Context, cfg pgguard.PoolConfig, logger pgguard.Logger) (pgguard.ConnectionPool, error)

// OpenPool is the default Opener backed by pgxpool. The authentication
// strategy is selected by cfg.AuthMethod.
func OpenPool(ctx context.Context, cfg pgguard.PoolConfig, logger pgguard.Logger) (pgguard.ConnectionPool, error) {
	conn, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	poolConfig, err := BuildPoolConfig(conn, cfg, logger)
	if err != nil {
		return nil, err
	}

	var closers []func()
	switch cfg.AuthMethod {
	case pgguard.AuthMethodStandard:
	case pgguard.AuthMethodAWSIAM:
		provider, err := NewAWSIAMTokenProvider(fmt.Sprintf("%s:%d", conn.Host, conn.Port), cfg.AWSRegion, conn.Username)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pgguard.ErrInvalidConfig, err)
		}
		UseTokenProvider(poolConfig, provider, logger)
	case pgguard.AuthMethodAzureEntraID:
		provider, err := NewAzureTokenProvider(cfg.AzureTenantID, cfg.AzureClientID, cfg.AzureClientSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", pgguard.ErrInvalidConfig, err)
		}
		UseTokenProvider(poolConfig, provider, logger)
	case pgguard.AuthMethodGoogleIAM:
		closeDialer, err := useCloudSQLDialer(ctx, poolConfig, cfg.GoogleInstance, conn.Username)
		if err != nil {
			return nil, err
		}
		closers = append(closers, closeDialer)
	default:
		return nil, fmt.Errorf("auth method %v: %w", cfg.AuthMethod, pgguard.ErrUnsupportedAuthMethod)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, WrapConnectionError(err, conn)
	}

	logger.Info("connection pool opened",
		"target", Redact(conn),
		"auth", cfg.AuthMethod.String(),
		"min_conns", poolConfig.MinConns,
		"max_conns", poolConfig.MaxConns)

	return NewPoolAdapter(pool, closers...), nil
}

// BuildPoolConfig translates a parsed target and the pool sizing into a
// pgxpool.Config, with lifecycle events routed to logger.
func BuildPoolConfig(conn *pgguard.ConnectionConfig, cfg pgguard.PoolConfig, logger pgguard.Logger) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(BuildConnectionString(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w: %w", pgguard.ErrInvalidConfig, err)
	}

	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	if cfg.IdleTimeout > 0 {
		poolConfig.MaxConnIdleTime = cfg.IdleTimeout
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.HealthCheckInterval > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	poolConfig.AfterConnect = func(_ context.Context, c *pgx.Conn) error {
		logger.Debug("connection created", "pid", c.PgConn().PID())
		return nil
	}
	poolConfig.BeforeClose = func(c *pgx.Conn) {
		logger.Debug("connection removed", "pid", c.PgConn().PID())
	}
	poolConfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		logger.Debug("server notice", "severity", n.Severity, "message", n.Message)
	}

	return poolConfig, nil
}

// UseTokenProvider makes every new physical connection authenticate with a
// fresh token from provider.
func UseTokenProvider(poolConfig *pgxpool.Config, provider TokenProvider, logger pgguard.Logger) {
	poolConfig.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		token, expiresOn, err := provider.GetToken(ctx)
		if err != nil {
			logger.Error("token acquisition failed", "provider", provider.String(), "error", err)
			return fmt.Errorf("failed to acquire token from %s: %w", provider, err)
		}
		if remaining := time.Until(expiresOn); remaining < tokenExpiryWarning {
			logger.Warn("token expires soon", "provider", provider.String(), "remaining", remaining.Round(time.Second))
		}
		cc.Password = token
		return nil
	}
}

// useCloudSQLDialer routes connections through the Cloud SQL connector with
// IAM authentication. The returned func releases the dialer.
func useCloudSQLDialer(ctx context.Context, poolConfig *pgxpool.Config, instance, username string) (func(), error) {
	if instance == "" {
		return nil, fmt.Errorf("Google Cloud SQL IAM auth requires pool.google_instance (project:region:instance): %w", pgguard.ErrInvalidConfig)
	}
	if username == "" {
		return nil, fmt.Errorf("Google Cloud SQL IAM auth requires a username: %w", pgguard.ErrInvalidConfig)
	}

	dialer, err := cloudsqlconn.NewDialer(ctx, cloudsqlconn.WithIAMAuthN())
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud SQL dialer: %w", err)
	}

	// The dialer provides TLS.
	poolConfig.ConnConfig.TLSConfig = nil
	poolConfig.ConnConfig.Fallbacks = nil
	poolConfig.ConnConfig.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.Dial(ctx, instance)
	}

	return func() { _ = dialer.Close() }, nil
}

var connectionHints = []struct {
	patterns []string
	hint     string
}{
	{[]string{"connection refused", "actively refused"}, "PostgreSQL is not running or the host/port is wrong (check: pg_isready)"},
	{[]string{"no such host", "no host"}, "the host name cannot be resolved"},
	{[]string{"password authentication failed"}, "wrong password or user (check $PGPASSWORD or ~/.pgpass)"},
	{[]string{"does not exist"}, "the database or role does not exist"},
	{[]string{"timeout", "timed out"}, "the server is unreachable or overloaded"},
	{[]string{"ssl", "tls"}, "sslmode does not match the server configuration"},
	{[]string{"too many connections", "too many clients"}, "max_connections reached on the server; lower pool.max_connections"},
}

// WrapConnectionError wraps a pool or probe failure with pgguard.ErrConnectionFailed
// and a short hint for the most common causes.
func WrapConnectionError(err error, conn *pgguard.ConnectionConfig) error {
	errStr := strings.ToLower(err.Error())
	target := fmt.Sprintf("%s:%d/%s", conn.Host, conn.Port, conn.Database)

	for _, h := range connectionHints {
		for _, p := range h.patterns {
			if strings.Contains(errStr, p) {
				return fmt.Errorf("%w to %s (%s): %w", pgguard.ErrConnectionFailed, target, h.hint, err)
			}
		}
	}
	return fmt.Errorf("%w to %s: %w", pgguard.ErrConnectionFailed, target, err)
}

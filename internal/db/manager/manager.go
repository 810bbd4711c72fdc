package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"

	"github.com/vvka-141/pgguard/internal/breaker"
	"github.com/vvka-141/pgguard/internal/db"
	"github.com/vvka-141/pgguard/internal/logging"
	"github.com/vvka-141/pgguard/internal/retry"
	"github.com/vvka-141/pgguard/internal/txn"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

const (
	operationHealthProbe = "health_probe"
	operationRawQuery    = "raw_query"
	operationRawCommand  = "raw_command"
	resourcePool         = "pool"
	resourceRaw          = "sql"
)

// Manager owns one connection pool together with the circuit breaker, the
// retrying executor and the transaction coordinator that guard it.
// It is safe for concurrent use. Several managers may coexist in a process.
type Manager struct {
	cfg           pgguard.PoolConfig
	policy        pgguard.RetryPolicy
	breakerCfg    breaker.Config
	slowThreshold time.Duration
	logger        pgguard.Logger
	observer      pgguard.Observer
	opener        db.Opener
	tracer        trace.TracerProvider

	breaker     *breaker.CircuitBreaker
	executor    *retry.Executor
	coordinator *txn.Coordinator

	// initMu serializes Initialize; mu guards the fields below and is never
	// held while the pool is opened or probed.
	initMu      sync.Mutex
	mu          sync.RWMutex
	pool        pgguard.ConnectionPool
	initialized bool
	closed      bool
	stopMonitor chan struct{}
	monitorDone chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by every component of the manager.
func WithLogger(l pgguard.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver sets the observability sink. Observers that also implement
// pgguard.SlowOperationObserver, pgguard.BreakerObserver or
// pgguard.PoolObserver receive those events too.
func WithObserver(o pgguard.Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p pgguard.RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithBreakerConfig overrides the default breaker threshold and cooldown.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(m *Manager) { m.breakerCfg = cfg }
}

// WithSlowThreshold sets the slow-operation threshold. Zero disables it.
func WithSlowThreshold(d time.Duration) Option {
	return func(m *Manager) { m.slowThreshold = d }
}

// WithPoolOpener replaces the pgxpool-backed opener, mainly for tests.
func WithPoolOpener(o db.Opener) Option {
	return func(m *Manager) {
		if o != nil {
			m.opener = o
		}
	}
}

// WithTracerProvider sets the provider for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp }
}

// New builds a manager for cfg. No connection is made until Initialize.
func New(cfg pgguard.PoolConfig, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		policy:        pgguard.DefaultRetryPolicy(),
		breakerCfg:    breaker.DefaultConfig(),
		slowThreshold: pgguard.DefaultSlowOperationThreshold,
		logger:        logging.NewNullLogger(),
		observer:      pgguard.NopObserver{},
		opener:        db.OpenPool,
	}
	for _, opt := range opts {
		opt(m)
	}

	bcfg := m.breakerCfg
	if bcfg.Logger == nil {
		bcfg.Logger = m.logger
	}
	userHook := bcfg.OnStateChange
	bcfg.OnStateChange = func(from, to pgguard.BreakerState) {
		if bo, ok := m.observer.(pgguard.BreakerObserver); ok {
			bo.ObserveBreakerState(to)
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	m.breaker = breaker.New(bcfg)

	classifier := retry.NewPostgreSQLErrorClassifier()
	backoff := retry.FromPolicy(m.policy)
	m.executor = retry.NewExecutor(classifier, backoff,
		retry.WithGate(m.breaker),
		retry.WithLogger(m.logger),
		retry.WithObserver(m.observer),
		retry.WithSlowThreshold(m.slowThreshold),
		retry.WithTracerProvider(m.tracer))
	m.coordinator = txn.New(m, classifier, backoff,
		txn.WithGate(m.breaker),
		txn.WithLogger(m.logger),
		txn.WithObserver(m.observer))

	return m
}

// Initialize opens the pool and verifies it with one probe query. It is
// idempotent. Without a connection target the manager stays unconfigured and
// Initialize succeeds; every later operation then fails with
// pgguard.ErrNotInitialized. A failed probe closes the pool.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.mu.RLock()
	closed, initialized := m.closed, m.initialized
	m.mu.RUnlock()

	if closed {
		return fmt.Errorf("pool closed: %w", pgguard.ErrNotInitialized)
	}
	if initialized {
		return nil
	}
	if !m.cfg.Configured() {
		m.logger.Info("no database configured, running without a pool")
		return nil
	}
	if err := errors.Join(m.cfg.Validate(), m.policy.Validate()); err != nil {
		return err
	}

	pool, err := m.opener(ctx, m.cfg, m.logger)
	if err != nil {
		return err
	}

	err = m.executor.Execute(ctx, operationHealthProbe, resourcePool, pool.Ping)
	if err != nil {
		pool.Close()
		if conn, parseErr := db.ParseConnectionString(m.cfg.ConnectionString); parseErr == nil {
			return db.WrapConnectionError(err, conn)
		}
		return fmt.Errorf("%w: %w", pgguard.ErrConnectionFailed, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pool.Close()
		return fmt.Errorf("pool closed during initialization: %w", pgguard.ErrNotInitialized)
	}
	m.pool = pool
	m.initialized = true
	if m.cfg.HealthCheckInterval > 0 {
		m.stopMonitor = make(chan struct{})
		m.monitorDone = make(chan struct{})
		go m.monitor(pool, m.cfg.HealthCheckInterval, m.stopMonitor, m.monitorDone)
	}
	m.mu.Unlock()

	m.logger.Info("database manager initialized",
		"min_conns", m.cfg.MinConnections,
		"max_conns", m.cfg.MaxConnections)
	return nil
}

// currentPool returns the open pool or an error wrapping pgguard.ErrNotInitialized.
func (m *Manager) currentPool() (pgguard.ConnectionPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.closed:
		return nil, fmt.Errorf("pool closed: %w", pgguard.ErrNotInitialized)
	case !m.cfg.Configured():
		return nil, fmt.Errorf("no connection target configured: %w", pgguard.ErrNotInitialized)
	case !m.initialized:
		return nil, fmt.Errorf("call Initialize first: %w", pgguard.ErrNotInitialized)
	}
	return m.pool, nil
}

// Acquire borrows a dedicated connection, waiting at most ConnectTimeout
// while the pool is exhausted. The caller must Release it.
func (m *Manager) Acquire(ctx context.Context) (pgguard.PooledConnection, error) {
	pool, err := m.currentPool()
	if err != nil {
		return nil, err
	}

	if m.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		m.logger.Warn("failed to acquire connection", "error", err)
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return conn, nil
}

// Release returns a connection obtained from Acquire.
func (m *Manager) Release(conn pgguard.PooledConnection) {
	if conn != nil {
		conn.Release()
	}
}

// WithConnection runs fn on a borrowed connection and releases it afterwards.
func (m *Manager) WithConnection(ctx context.Context, fn func(ctx context.Context, conn pgguard.Querier) error) error {
	conn, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.Release(conn)
	return fn(ctx, conn)
}

// ExecuteWithRetry runs fn through the breaker and the retrying executor.
// Every attempt gets its own connection.
func (m *Manager) ExecuteWithRetry(ctx context.Context, operation, resource string, fn func(ctx context.Context, conn pgguard.Querier) error) error {
	_, err := Execute(ctx, m, operation, resource, func(ctx context.Context, conn pgguard.Querier) (struct{}, error) {
		return struct{}{}, fn(ctx, conn)
	})
	return err
}

// Execute is ExecuteWithRetry for operations that produce a value.
func Execute[T any](ctx context.Context, m *Manager, operation, resource string, fn func(ctx context.Context, conn pgguard.Querier) (T, error)) (T, error) {
	if _, err := m.currentPool(); err != nil {
		var zero T
		return zero, err
	}
	return retry.Do(ctx, m.executor, operation, resource, func(ctx context.Context) (T, error) {
		conn, err := m.Acquire(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		defer m.Release(conn)
		return fn(ctx, conn)
	})
}

// ExecuteRawQuery runs sql with retries and returns every row as a column map.
func (m *Manager) ExecuteRawQuery(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return Execute(ctx, m, operationRawQuery, resourceRaw, func(ctx context.Context, conn pgguard.Querier) ([]map[string]any, error) {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, pgx.RowToMap)
	})
}

// ExecuteRawCommand runs a statement with retries and returns the affected row count.
func (m *Manager) ExecuteRawCommand(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := Execute(ctx, m, operationRawCommand, resourceRaw, func(ctx context.Context, conn pgguard.Querier) (pgconn.CommandTag, error) {
		return conn.Exec(ctx, sql, args...)
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExecuteInTransaction runs fn atomically. Serialization conflicts retry the
// whole transaction up to opts.MaxRetries attempts.
func (m *Manager) ExecuteInTransaction(ctx context.Context, opts pgguard.TxOptions, fn txn.Func) error {
	if _, err := m.currentPool(); err != nil {
		return err
	}
	return m.coordinator.Execute(ctx, opts, fn)
}

// InTransaction is ExecuteInTransaction for work that produces a value.
func InTransaction[T any](ctx context.Context, m *Manager, opts pgguard.TxOptions, fn func(ctx context.Context, tx pgguard.Querier, txCtx *txn.TxContext) (T, error)) (T, error) {
	if _, err := m.currentPool(); err != nil {
		var zero T
		return zero, err
	}
	return txn.Run(ctx, m.coordinator, opts, fn)
}

// ExecuteWithSavepoints runs fn in a transaction with a savepoint manager.
func (m *Manager) ExecuteWithSavepoints(ctx context.Context, opts pgguard.TxOptions, fn func(ctx context.Context, tx pgguard.Querier, sp *txn.SavepointManager, txCtx *txn.TxContext) error) error {
	if _, err := m.currentPool(); err != nil {
		return err
	}
	return m.coordinator.ExecuteWithSavepoints(ctx, opts, fn)
}

// ExecuteBatch processes items in chunks of size inside one transaction.
func ExecuteBatch[T any](ctx context.Context, m *Manager, opts pgguard.TxOptions, items []T, size int, proc txn.BatchFunc[T]) error {
	if _, err := m.currentPool(); err != nil {
		return err
	}
	return txn.ExecuteBatch(ctx, m.coordinator, opts, items, size, proc)
}

// GetPoolStats returns a pool snapshot; zero values when no pool is open.
func (m *Manager) GetPoolStats() pgguard.PoolStats {
	pool, err := m.currentPool()
	if err != nil {
		return pgguard.PoolStats{}
	}
	return pool.Stat()
}

// GetHealthStatus reports healthy when the pool is open and the breaker is Closed.
func (m *Manager) GetHealthStatus() pgguard.HealthStatus {
	_, err := m.currentPool()
	initialized := err == nil
	stats := m.GetPoolStats()
	state := m.breaker.State()

	return pgguard.HealthStatus{
		Healthy:            initialized && state == pgguard.BreakerClosed,
		Initialized:        initialized,
		ActiveConnections:  stats.InUse,
		IdleConnections:    stats.Idle,
		WaitingClients:     stats.Waiting,
		CircuitBreakerOpen: state == pgguard.BreakerOpen,
	}
}

// GetCircuitBreakerStatus returns the breaker snapshot.
func (m *Manager) GetCircuitBreakerStatus() pgguard.CircuitBreakerStatus {
	return m.breaker.Status()
}

// GetMetrics returns every counter and snapshot the manager keeps.
func (m *Manager) GetMetrics() pgguard.Metrics {
	return pgguard.Metrics{
		Executor:       m.executor.Metrics(),
		Transactions:   m.coordinator.Metrics(),
		Pool:           m.GetPoolStats(),
		CircuitBreaker: m.breaker.Status(),
	}
}

// Close stops the monitor and drains the pool. It is idempotent; afterwards
// every operation fails with pgguard.ErrNotInitialized.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pool := m.pool
	m.pool = nil
	stop, done := m.stopMonitor, m.monitorDone
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	if pool != nil {
		pool.Close()
		m.logger.Info("connection pool closed")
	}
}

// monitor reports pool gauges every interval until stop is closed.
func (m *Manager) monitor(pool pgguard.ConnectionPool, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	po, _ := m.observer.(pgguard.PoolObserver)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := pool.Stat()
			if po != nil {
				po.ObservePoolStats(stats)
			}
			m.logger.Debug("pool stats",
				"total", stats.Total,
				"idle", stats.Idle,
				"in_use", stats.InUse,
				"waiting", stats.Waiting,
				"max", stats.Max)
		}
	}
}

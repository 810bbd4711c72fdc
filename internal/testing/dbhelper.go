package testing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vvka-141/pgguard/internal/db"
	"github.com/vvka-141/pgguard/internal/db/manager"
	"github.com/vvka-141/pgguard/internal/testinfra"
	"github.com/vvka-141/pgguard/pkg/pgguard"
)

const adminTimeout = 30 * time.Second

var (
	testContainerOnce sync.Once
	testContainerConn string
	testContainerErr  error
)

func getOrStartTestContainer() (string, error) {
	testContainerOnce.Do(func() {
		ctx := context.Background()
		container, err := testinfra.StartPostgres(ctx)
		if err != nil {
			testContainerErr = err
			return
		}
		testContainerConn = container.ConnString
	})
	return testContainerConn, testContainerErr
}

// GetTestConnectionString returns the test database connection string.
// Priority: PGGUARD_TEST_CONN env var > auto-started testcontainer > skip test.
func GetTestConnectionString(t *testing.T) string {
	t.Helper()

	if connString := os.Getenv("PGGUARD_TEST_CONN"); connString != "" {
		return connString
	}

	connString, err := getOrStartTestContainer()
	if err != nil {
		t.Skipf("PGGUARD_TEST_CONN not set and Docker unavailable: %v", err)
	}
	return connString
}

// SkipIfShort skips the test if running in short mode (-short flag).
func SkipIfShort(t *testing.T) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// RequireDatabase combines SkipIfShort and GetTestConnectionString for convenience.
// Returns the test connection string if available, otherwise skips the test.
func RequireDatabase(t *testing.T) string {
	t.Helper()

	SkipIfShort(t)
	return GetTestConnectionString(t)
}

// NewTestManager returns an initialized manager for dbName on the server
// behind connString. It is closed when the test completes.
func NewTestManager(t *testing.T, connString, dbName string, opts ...manager.Option) *manager.Manager {
	t.Helper()

	cfg := pgguard.DefaultPoolConfig()
	cfg.ConnectionString = targetConnString(t, connString, dbName)
	cfg.MinConnections = 0

	mgr := manager.New(cfg, opts...)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Failed to initialize manager: %v", err)
	}
	t.Cleanup(mgr.Close)
	return mgr
}

// CreateTestDB creates dbName on the server behind connString, dropping a
// leftover from an aborted run first. The returned func drops it again.
func CreateTestDB(t *testing.T, connString, dbName string) func() {
	t.Helper()

	err := withAdminConn(connString, func(ctx context.Context, conn *pgx.Conn) error {
		if err := dropDatabase(ctx, conn, dbName); err != nil {
			return err
		}
		_, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize())
		return err
	})
	if err != nil {
		t.Fatalf("create test database %s: %v", dbName, err)
	}

	return func() {
		CleanupTestDB(t, connString, dbName)
	}
}

// CleanupTestDB terminates sessions on dbName and drops it. Failures are
// logged, not fatal; calling it twice is harmless.
func CleanupTestDB(t *testing.T, connString, dbName string) {
	t.Helper()

	err := withAdminConn(connString, func(ctx context.Context, conn *pgx.Conn) error {
		return dropDatabase(ctx, conn, dbName)
	})
	if err != nil {
		t.Logf("drop test database %s: %v", dbName, err)
	}
}

func withAdminConn(connString string, fn func(ctx context.Context, conn *pgx.Conn) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), adminTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	return fn(ctx, conn)
}

func dropDatabase(ctx context.Context, conn *pgx.Conn, dbName string) error {
	const terminate = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`
	if _, err := conn.Exec(ctx, terminate, dbName); err != nil {
		return fmt.Errorf("terminate sessions: %w", err)
	}
	_, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{dbName}.Sanitize())
	return err
}

func targetConnString(t *testing.T, connString, dbName string) string {
	t.Helper()

	cfg, err := db.ParseConnectionString(connString)
	if err != nil {
		t.Fatalf("parse test connection string: %v", err)
	}
	cfg.Database = dbName
	return db.BuildConnectionString(cfg)
}

var dbNameSeq atomic.Uint32

// UniqueDBName returns a database name unique to this process and call.
func UniqueDBName(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, os.Getpid(), dbNameSeq.Add(1))
}

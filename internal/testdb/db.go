package testdb

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/phrazzld/taskd/internal/config"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/phrazzld/taskd/internal/platform/sqlstore"
	"github.com/stretchr/testify/require"
)

// TestTimeout defines a default timeout for test database operations.
const TestTimeout = 10 * time.Second

// tables in dependency order, children first.
var tables = []string{
	"task_progress",
	"task_metrics",
	"tasks",
	"scheduler_event_logs",
	"recurring_tasks",
}

// IsIntegrationTestEnvironment returns true if the DATABASE_URL environment
// variable is set, indicating that tests should run against Postgres.
func IsIntegrationTestEnvironment() bool {
	return GetTestDatabaseURL() != ""
}

// GetTestDatabaseURL returns the database URL for tests.
// It checks DATABASE_URL and TASKD_TEST_DB_URL environment variables
// in that order, returning the first non-empty value.
func GetTestDatabaseURL() string {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		return dbURL
	}
	return os.Getenv("TASKD_TEST_DB_URL")
}

// Config returns the database configuration Open would use.
func Config(t *testing.T) config.DatabaseConfig {
	t.Helper()

	if dbURL := GetTestDatabaseURL(); dbURL != "" {
		return config.DatabaseConfig{Driver: string(sqlstore.DialectPostgres), URL: dbURL, MaxOpenConns: 10}
	}
	return config.DatabaseConfig{
		Driver: string(sqlstore.DialectSQLite),
		URL:    filepath.Join(t.TempDir(), "taskd_test.db"),
	}
}

// Open returns a migrated, empty database that is closed when the test ends.
func Open(t *testing.T) *sqlstore.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	db, err := sqlstore.Open(ctx, Config(t))
	require.NoError(t, err, "Failed to open test database")
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close test database: %v", err)
		}
	})

	m, err := sqlstore.NewMigrator(db, Logger(t))
	require.NoError(t, err, "Failed to create migrator")
	require.NoError(t, m.Up(ctx), "Failed to run migrations")

	if db.Dialect == sqlstore.DialectPostgres {
		ResetTables(t, db.DB)
	}
	return db
}

// ResetTables removes all rows from the application tables.
func ResetTables(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, table := range tables {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err, "Failed to clear table %s", table)
	}
}

// WithTx executes a test function within a transaction, automatically rolling back
// after the test completes. This ensures test isolation and prevents side effects.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()

	tx, err := db.Begin()
	require.NoError(t, err, "Failed to begin transaction")

	defer func() {
		err := tx.Rollback()
		// sql.ErrTxDone is expected if tx is already committed or rolled back
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("Warning: failed to rollback transaction: %v", err)
		}
	}()

	fn(t, tx)
}

// Logger returns a debug-level logger that writes into the test log buffer.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	l, _ := logger.GetTestLogger(t)
	return l
}

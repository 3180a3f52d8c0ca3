package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// MigrationTableName is the table goose uses to track applied migrations.
const MigrationTableName = "schema_migrations"

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrationsFS embed.FS

// MigrationStatus describes one migration and whether it has been applied.
type MigrationStatus struct {
	Version int64
	Source  string
	Applied bool
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	log *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(fmt.Sprintf(format, v...))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(fmt.Sprintf(format, v...))
}

// Migrator applies the embedded migrations for a database's dialect.
type Migrator struct {
	provider *goose.Provider
	logger   *slog.Logger
}

// NewMigrator builds a goose provider for db.
func NewMigrator(db *DB, logger *slog.Logger) (*Migrator, error) {
	var (
		dir     string
		dialect database.Dialect
	)
	switch db.Dialect {
	case DialectPostgres:
		dir, dialect = "migrations/postgres", database.DialectPostgres
	case DialectSQLite:
		dir, dialect = "migrations/sqlite3", database.DialectSQLite3
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", db.Dialect)
	}

	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations directory: %w", err)
	}

	versions, err := database.NewStore(dialect, MigrationTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration store: %w", err)
	}

	logger = logger.With("component", "migrator", "dialect", string(db.Dialect))
	provider, err := goose.NewProvider("", db.DB, fsys,
		goose.WithStore(versions),
		goose.WithLogger(gooseLogger{log: logger}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}

	return &Migrator{provider: provider, logger: logger}, nil
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	results, err := m.provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}
	for _, r := range results {
		m.logger.Info("applied migration",
			"version", r.Source.Version,
			"source", r.Source.Path,
			"duration", r.Duration)
	}
	if len(results) == 0 {
		m.logger.Info("database schema is up to date")
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	result, err := m.provider.Down(ctx)
	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}
	if result != nil && result.Source != nil {
		m.logger.Info("rolled back migration",
			"version", result.Source.Version,
			"source", result.Source.Path,
			"duration", result.Duration)
	}
	return nil
}

// Status lists every known migration.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	statuses, err := m.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status failed: %w", err)
	}

	out := make([]MigrationStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationStatus{
			Version: s.Source.Version,
			Source:  s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}

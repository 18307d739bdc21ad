package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/migrations"
)

// migrationsTable keeps the bridge's schema version apart from any table
// the lab application's own tooling maintains.
const migrationsTable = "igeo_bridge_schema_migrations"

// Migrator applies the bridge schema (sync state columns, event log and
// settings tables) with golang-migrate.
type Migrator struct {
	migrate *migrate.Migrate
	sqlDB   *sql.DB // database/sql view of the pgx pool; closed by Close
	logger  zerolog.Logger
}

// MigrationStatus describes the applied schema version.
type MigrationStatus struct {
	Version uint
	Dirty   bool
	// Applied is false on a database no migration ever ran against.
	Applied bool
}

// NewMigrator creates a migrator on db. An empty migrationsPath uses the
// migrations embedded in the binary.
func NewMigrator(db *DB, migrationsPath string, logger zerolog.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if db.pool == nil {
		return nil, fmt.Errorf("database pool not initialized")
	}

	src, sourceURL, err := openSource(migrationsPath)
	if err != nil {
		return nil, err
	}

	sqlDB := stdlib.OpenDBFromPool(db.pool)
	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var m *migrate.Migrate
	if src != nil {
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	logger.Debug().
		Bool("embedded", src != nil).
		Str("path", migrationsPath).
		Msg("migrator ready")

	return &Migrator{migrate: m, sqlDB: sqlDB, logger: logger}, nil
}

// openSource returns the embedded source driver for an empty path, or a
// file:// URL for a directory that exists.
func openSource(path string) (source.Driver, string, error) {
	if path == "" {
		src, err := iofs.New(migrations.FS, ".")
		if err != nil {
			return nil, "", fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		return src, "", nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("migrations path validation failed: %w", err)
	}
	return nil, "file://" + path, nil
}

// Up runs all pending migrations.
func (m *Migrator) Up() error {
	return m.run("up", m.migrate.Up)
}

// Down rolls back all migrations.
func (m *Migrator) Down() error {
	return m.run("down", m.migrate.Down)
}

// Steps runs n migrations (positive = up, negative = down).
func (m *Migrator) Steps(n int) error {
	return m.run(fmt.Sprintf("steps %+d", n), func() error { return m.migrate.Steps(n) })
}

// Force sets the migration version without running migrations, to recover
// from a failed migration that left the schema dirty.
func (m *Migrator) Force(version int) error {
	m.logger.Warn().Int("version", version).Msg("forcing migration version")
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Version returns the current migration version.
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Status reports the applied version. A fresh database is not an error.
func (m *Migrator) Status() (MigrationStatus, error) {
	v, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	return MigrationStatus{Version: v, Dirty: dirty, Applied: true}, nil
}

// run executes one migration operation. Having nothing to do, including
// stepping past the last file, is success.
func (m *Migrator) run(op string, fn func() error) error {
	logger := m.logger.With().Str("operation", op).Logger()
	logger.Info().Msg("running database migrations")

	err := fn()
	switch {
	case err == nil:
		logger.Info().Msg("migrations completed")
		return nil
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, os.ErrNotExist):
		logger.Info().Msg("schema already up to date")
		return nil
	default:
		return fmt.Errorf("migrate %s: %w", op, err)
	}
}

// Close releases the source, the driver and the database/sql wrapper.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	var sqlErr error
	if m.sqlDB != nil {
		sqlErr = m.sqlDB.Close()
	}
	if err := errors.Join(sourceErr, dbErr, sqlErr); err != nil {
		return fmt.Errorf("failed to close migrator: %w", err)
	}
	return nil
}

package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/migrations"
)

// Dialect names a SQL backend with its own migration set.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	var driver migratedb.Driver
	switch dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies pending embedded migrations for dialect.
// It is idempotent and safe to call multiple times - only pending migrations will be executed.
// The migrate instance is not closed because that would close db.
func RunMigrations(db *sql.DB, dialect Dialect, logger *zap.Logger) error {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No migrations to apply (database up-to-date)", zap.String("dialect", string(dialect)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	newVersion, _, _ := m.Version()
	logger.Info("Applied migrations successfully",
		zap.String("dialect", string(dialect)),
		zap.Uint("version", newVersion))
	return nil
}

// MigrationVersion returns the applied version and dirty flag; 0 when nothing
// has been applied.
func MigrationVersion(db *sql.DB, dialect Dialect) (uint, bool, error) {
	m, err := newMigrate(db, dialect)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

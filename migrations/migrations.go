// Package migrations embeds the schema for every supported dialect and
// applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Dialect names a supported database engine.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect validates a configured dialect name.
func ParseDialect(raw string) (Dialect, error) {
	switch d := Dialect(raw); d {
	case MySQL, Postgres, SQLite:
		return d, nil
	case "pgx", "postgresql":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", raw)
	}
}

//go:embed mysql/*.sql postgres/*.sql sqlite/*.sql
var files embed.FS

// Up applies all pending migrations. It reports whether anything changed.
func Up(db *sql.DB, dialect Dialect) (bool, error) {
	m, closeFn, err := newMigrate(db, dialect)
	if err != nil {
		return false, err
	}
	defer closeFn()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return false, nil
		}
		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return false, fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}
		return false, fmt.Errorf("migration failed: %w", err)
	}
	return true, nil
}

// Down rolls back steps migrations.
func Down(db *sql.DB, dialect Dialect, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be positive, got %d", steps)
	}
	m, closeFn, err := newMigrate(db, dialect)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version; 0 means nothing applied yet.
func Version(db *sql.DB, dialect Dialect) (uint, bool, error) {
	m, closeFn, err := newMigrate(db, dialect)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func newMigrate(db *sql.DB, dialect Dialect) (*migrate.Migrate, func(), error) {
	src, err := iofs.New(files, string(dialect))
	if err != nil {
		return nil, nil, fmt.Errorf("load %s migrations: %w", dialect, err)
	}

	var drv database.Driver
	switch dialect {
	case MySQL:
		drv, err = mysql.WithInstance(db, &mysql.Config{})
	case Postgres:
		drv, err = pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	case SQLite:
		drv, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		err = fmt.Errorf("unsupported dialect %q", dialect)
	}
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("create %s migration driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), drv)
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("create migration instance: %w", err)
	}

	// m.Close would also close db, which the caller owns; release the source only.
	return m, func() { _ = src.Close() }, nil
}

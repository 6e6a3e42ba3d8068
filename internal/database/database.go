package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/mickamy/notifybox"
	"github.com/mickamy/notifybox/migrations"
	"github.com/mickamy/notifybox/stores"
)

var driverNames = map[migrations.Dialect]string{
	migrations.MySQL:    "mysql",
	migrations.Postgres: "pgx",
	migrations.SQLite:   "sqlite",
}

// Open connects to dsn with the driver registered for dialect and pings it.
func Open(ctx context.Context, dialect migrations.Dialect, dsn string) (*sql.DB, error) {
	driver, ok := driverNames[dialect]
	if !ok {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == migrations.SQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	return db, nil
}

// NewStore returns the store implementation for dialect.
func NewStore(db *sql.DB, dialect migrations.Dialect) (notifybox.Store, error) {
	switch dialect {
	case migrations.MySQL:
		return stores.NewMySQLStore(db), nil
	case migrations.Postgres:
		return stores.NewPostgresStore(db), nil
	case migrations.SQLite:
		return stores.NewSQLiteStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mickamy/notifybox/migrations"
)

var sqliteSeq atomic.Int64

// OpenSQLite returns an isolated in-memory SQLite DB with the schema migrated.
// The pool holds a single connection, so code under test must run statements
// inside a transaction through the tx handle only.
func OpenSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:notifybox_%d_%d?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		time.Now().UnixNano(), sqliteSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping sqlite: %v", err)
	}
	if _, err := migrations.Up(db, migrations.SQLite); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return db
}

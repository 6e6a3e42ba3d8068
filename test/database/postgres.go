package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mickamy/notifybox/migrations"
)

// OpenPostgres connects to POSTGRES_DSN, migrates it and empties the tables.
// The test is skipped when POSTGRES_DSN is unset.
func OpenPostgres(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres (%s): %v", dsn, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres (%s): %v", dsn, err)
	}
	if _, err := migrations.Up(db, migrations.Postgres); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	truncate(t, db, "TRUNCATE TABLE %s RESTART IDENTITY")
	return db
}

var tables = []string{"tasks", "notification_outbox", "code_review_results"}

func truncate(t *testing.T, db *sql.DB, format string) {
	t.Helper()
	for _, table := range tables {
		if _, err := db.Exec(fmt.Sprintf(format, table)); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
}

package database_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mickamy/notifybox/internal/database"
	"github.com/mickamy/notifybox/migrations"
	"github.com/mickamy/notifybox/stores"
)

func TestOpenSQLite(t *testing.T) {
	t.Parallel()
	dsn := fmt.Sprintf("file:database_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(context.Background(), migrations.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.Equal(t, 1, db.Stats().MaxOpenConnections)

	store, err := database.NewStore(db, migrations.SQLite)
	require.NoError(t, err)
	assert.IsType(t, &stores.SQLiteStore{}, store)
}

func TestUnsupportedDialect(t *testing.T) {
	t.Parallel()
	_, err := database.Open(context.Background(), "oracle", "x")
	assert.Error(t, err)
	_, err = database.NewStore(nil, "oracle")
	assert.Error(t, err)
}

func TestNewStorePerDialect(t *testing.T) {
	t.Parallel()
	mysqlStore, err := database.NewStore(nil, migrations.MySQL)
	require.NoError(t, err)
	assert.IsType(t, &stores.MySQLStore{}, mysqlStore)

	pgStore, err := database.NewStore(nil, migrations.Postgres)
	require.NoError(t, err)
	assert.IsType(t, &stores.PostgresStore{}, pgStore)
}

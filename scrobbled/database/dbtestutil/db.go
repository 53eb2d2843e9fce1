package dbtestutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbmem"
	"github.com/coder/scrobble/scrobbled/database/migrations"
	"github.com/coder/scrobble/scrobbled/database/pubsub"
)

// WillUsePostgres returns true if a call to NewDB() will return a real,
// postgres-backed Store and Pubsub.
func WillUsePostgres() bool {
	return os.Getenv("DB") != ""
}

func NewDB(t testing.TB) (database.Store, pubsub.Pubsub) {
	t.Helper()

	db := dbmem.New()
	ps := pubsub.NewInMemory()
	if WillUsePostgres() {
		connectionURL := os.Getenv("SCROBBLE_PG_CONNECTION_URL")
		require.NotEmpty(t, connectionURL, "set SCROBBLE_PG_CONNECTION_URL to test against postgres")

		sqlDB, err := sql.Open("postgres", connectionURL)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = sqlDB.Close()
		})
		err = migrations.Up(sqlDB)
		require.NoError(t, err)
		db = database.New(sqlDB)

		ps, err = pubsub.New(context.Background(), sqlDB, connectionURL)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = ps.Close()
		})
	}

	return db, ps
}

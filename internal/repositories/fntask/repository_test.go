package fntask_test

import (
	"context"
	"os"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalops/fleetwatch/internal/repositories/fntask"
	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "postgres"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "fleetwatch"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

func newTestRepository(t *testing.T, taskManagerEnabled bool) (*fntask.Repository, database.DB) {
	db := getTestDB(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS fn_sale_task ("serialNumber" TEXT PRIMARY KEY, fn_serial TEXT)`,
		`DELETE FROM fn_sale_task`,
		`DROP TABLE IF EXISTS "pos_fiscals"`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	return fntask.NewRepository(db, getTestLogger(), registry, taskManagerEnabled), db
}

func TestRepository_Toggle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t, false)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, repo.Toggle(ctx, "SN-1", "FN-1", true))
	// Re-flagging must not overwrite the original fn serial.
	require.NoError(t, repo.Toggle(ctx, "SN-1", "FN-other", true))

	tasks, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "FN-1", tasks[0].FNSerial)

	require.NoError(t, repo.Toggle(ctx, "SN-1", "", false))
	tasks, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRepository_Toggle_UnflagRefusedWithTaskManager(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t, true)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, repo.Toggle(ctx, "SN-2", "FN-2", true))

	err := repo.Toggle(ctx, "SN-2", "", false)
	require.Error(t, err)

	tasks, listErr := repo.List(ctx)
	require.NoError(t, listErr)
	assert.Len(t, tasks, 1, "flag survives the refused unflag")
}

func TestRepository_PurgeStale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t, false)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, repo.Toggle(ctx, "SN-3", "FN-3", true))

	// No device table yet: nothing purged.
	purged, err := repo.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = db.ExecContext(ctx, `CREATE TABLE "pos_fiscals" ("serialNumber" TEXT PRIMARY KEY, "fn_serial" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO "pos_fiscals" VALUES ('SN-3', 'FN-3'), ('SN-4', 'FN-4'), ('SN-5', 'FN-5-new')`)
	require.NoError(t, err)

	require.NoError(t, repo.Toggle(ctx, "SN-4", "FN-4", true))
	require.NoError(t, repo.Toggle(ctx, "SN-5", "FN-5-old", true)) // storage already replaced
	require.NoError(t, repo.Toggle(ctx, "SN-gone", "FN-x", true)) // device deleted

	purged, err = repo.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	tasks, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "SN-3", tasks[0].SerialNumber)
	assert.Equal(t, "SN-4", tasks[1].SerialNumber)
}

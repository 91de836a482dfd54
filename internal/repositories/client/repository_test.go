package client_test

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

	"github.com/fiscalops/fleetwatch/internal/repositories/client"
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

func newTestRepository(t *testing.T) (*client.Repository, database.DB) {
	db := getTestDB(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			url_rms TEXT UNIQUE,
			"INN" TEXT,
			"organizationName" TEXT,
			"serverName" TEXT,
			version TEXT,
			manual_edit BOOLEAN NOT NULL DEFAULT FALSE,
			last_updated TIMESTAMPTZ
		)`,
		`DELETE FROM clients`,
		`DROP TABLE IF EXISTS "pos_fiscals"`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	return client.NewRepository(db, getTestLogger(), registry), db
}

func strPtr(s string) *string { return &s }

func TestRepository_Sync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t)
	defer db.Close()
	ctx := context.Background()

	err := repo.Sync(ctx, "http://host-1:8080", client.SyncFields{
		INN:              "7700000001",
		OrganizationName: "Coffee Point",
		ServerName:       strPtr("srv-coffee"),
		Version:          strPtr("7.8.1"),
	})
	require.NoError(t, err)

	stored, err := repo.Get(ctx, "http://host-1:8080")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "srv-coffee", *stored.ServerName)
	assert.False(t, stored.ManualEdit)

	// Refresh updates version but keeps identity.
	err = repo.Sync(ctx, "http://host-1:8080", client.SyncFields{
		INN:              "7700000001",
		OrganizationName: "Coffee Point",
		ServerName:       strPtr("srv-coffee"),
		Version:          strPtr("7.9.0"),
	})
	require.NoError(t, err)

	refreshed, err := repo.Get(ctx, "http://host-1:8080")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, refreshed.ID)
	assert.Equal(t, "7.9.0", *refreshed.Version)
}

func TestRepository_Sync_UnreachableEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t)
	defer db.Close()
	ctx := context.Background()

	// Monitoring fetch failed: serverName and version stay NULL.
	err := repo.Sync(ctx, "http://dead-host:8080", client.SyncFields{
		INN:              "7700000002",
		OrganizationName: "Bakery",
	})
	require.NoError(t, err)

	stored, err := repo.Get(ctx, "http://dead-host:8080")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Nil(t, stored.ServerName)
	assert.Nil(t, stored.Version)
	assert.Equal(t, "7700000002", *stored.INN)
}

func TestRepository_EditServerName_PinsName(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, repo.EditServerName(ctx, "http://host-2:8080", "Main store"))

	stored, err := repo.Get(ctx, "http://host-2:8080")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.ManualEdit)
	assert.Equal(t, "Main store", *stored.ServerName)

	// A later sync must not clobber the operator's name.
	err = repo.Sync(ctx, "http://host-2:8080", client.SyncFields{
		INN:              "7700000003",
		OrganizationName: "Main store LLC",
		ServerName:       strPtr("auto-name"),
		Version:          strPtr("8.0.0"),
	})
	require.NoError(t, err)

	stored, err = repo.Get(ctx, "http://host-2:8080")
	require.NoError(t, err)
	assert.Equal(t, "Main store", *stored.ServerName)
	assert.Equal(t, "8.0.0", *stored.Version, "other fields still refresh")
	assert.Equal(t, "7700000003", *stored.INN)
}

func TestRepository_PurgeOrphans(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t)
	defer db.Close()
	ctx := context.Background()

	// No device table yet: purge is a no-op, not an error.
	purged, err := repo.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	_, err = db.ExecContext(ctx, `CREATE TABLE "pos_fiscals" ("serialNumber" TEXT PRIMARY KEY, "url_rms" TEXT)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO "pos_fiscals" VALUES ('SN-1', 'http://alive:8080')`)
	require.NoError(t, err)

	require.NoError(t, repo.EditServerName(ctx, "http://alive:8080", "keep"))
	require.NoError(t, repo.EditServerName(ctx, "http://gone:8080", "drop"))

	purged, err = repo.PurgeOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	kept, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "http://alive:8080", kept[0].URLRMS)
}

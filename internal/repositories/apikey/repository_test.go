package apikey_test

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

	"github.com/fiscalops/fleetwatch/internal/repositories/apikey"
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

func newTestRepository(t *testing.T) (*apikey.Repository, database.DB) {
	db := getTestDB(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			api_key TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			admin_tag BOOLEAN NOT NULL DEFAULT FALSE,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`DELETE FROM api_keys`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	return apikey.NewRepository(db, getTestLogger()), db
}

func TestRepository_CreateAndVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t)
	defer db.Close()
	ctx := context.Background()

	issued, err := repo.Create(ctx, "push-agent", false)
	require.NoError(t, err)
	require.NotEmpty(t, issued.APIKey)
	assert.True(t, issued.Active)

	name, admin, found, err := repo.Verify(ctx, issued.APIKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, admin)
	assert.Equal(t, "push-agent", name)

	_, _, found, err = repo.Verify(ctx, "not-a-key")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = repo.Create(ctx, "", false)
	assert.Error(t, err)
}

func TestRepository_SetActive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	repo, db := newTestRepository(t)
	defer db.Close()
	ctx := context.Background()

	issued, err := repo.Create(ctx, "ops", true)
	require.NoError(t, err)

	require.NoError(t, repo.SetActive(ctx, issued.APIKey, false))

	// Deactivated keys no longer verify but stay listed.
	_, _, found, err := repo.Verify(ctx, issued.APIKey)
	require.NoError(t, err)
	assert.False(t, found)

	active, err := repo.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := repo.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Active)
	assert.True(t, all[0].AdminTag)

	err = repo.SetActive(ctx, "missing-key", true)
	assert.Error(t, err)
}

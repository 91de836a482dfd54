package ingest_test

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

	"github.com/fiscalops/fleetwatch/internal/ingest"
	"github.com/fiscalops/fleetwatch/internal/repositories/device"
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

func newTestPipeline(t *testing.T) (*ingest.Pipeline, *device.Repository, database.DB) {
	db := getTestDB(t)
	ctx := context.Background()

	for _, stmt := range []string{
		`DROP TABLE IF EXISTS "pos_fiscals"`,
		`DROP TABLE IF EXISTS "pos_not_fiscals"`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	devices := device.NewRepository(db, getTestLogger(), registry, device.Config{GraceDays: 14, DayFilter: 5})
	pipeline := ingest.NewPipeline(devices, 0, getTestLogger())
	return pipeline, devices, db
}

func TestPipeline_RoutesBySerialNumber(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pipeline, devices, db := newTestPipeline(t)
	defer db.Close()
	ctx := context.Background()

	err := pipeline.Ingest(ctx, "kassa1.json", []byte(`{"serialNumber": "SN-100", "modelName": "ATOL 91F"}`))
	require.NoError(t, err)

	err = pipeline.Ingest(ctx, "server-report", []byte(`{"hostname": "srv-01", "disk_free": "120G"}`))
	require.NoError(t, err)

	fiscals, err := devices.ListFiscals(ctx)
	require.NoError(t, err)
	require.Len(t, fiscals.Records, 1)
	assert.Equal(t, "SN-100", fiscals.Records[0]["serialNumber"])
	assert.Equal(t, "ATOL 91F", fiscals.Records[0]["modelName"])

	others, err := devices.ListNotFiscals(ctx)
	require.NoError(t, err)
	require.Len(t, others.Records, 1)
	assert.Equal(t, "server-report", others.Records[0]["filename"])
	assert.Equal(t, "srv-01", others.Records[0]["hostname"])
}

func TestPipeline_RejectsNonObject(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pipeline, _, db := newTestPipeline(t)
	defer db.Close()

	err := pipeline.Ingest(context.Background(), "bad.json", []byte(`[1, 2, 3]`))
	assert.Error(t, err)
}

func TestPipeline_EmptySerialFallsBackToName(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pipeline, devices, db := newTestPipeline(t)
	defer db.Close()
	ctx := context.Background()

	err := pipeline.Ingest(ctx, "agent-7", []byte(`{"serialNumber": "", "status": "ok"}`))
	require.NoError(t, err)

	others, err := devices.ListNotFiscals(ctx)
	require.NoError(t, err)
	require.Len(t, others.Records, 1)
	assert.Equal(t, "agent-7", others.Records[0]["filename"])
}

func TestPipeline_BatchSkipsBadElements(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pipeline, devices, db := newTestPipeline(t)
	defer db.Close()
	ctx := context.Background()

	batch := []byte(`[
		{"serialNumber": "SN-1", "modelName": "A"},
		"not an object",
		{"serialNumber": "SN-2", "modelName": "B"}
	]`)

	stored, err := pipeline.IngestBatch(ctx, "upload", batch)
	require.NoError(t, err)
	assert.Equal(t, 2, stored)

	fiscals, err := devices.ListFiscals(ctx)
	require.NoError(t, err)
	assert.Len(t, fiscals.Records, 2)
}

func TestPipeline_BatchRejectsNonArray(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pipeline, _, db := newTestPipeline(t)
	defer db.Close()

	stored, err := pipeline.IngestBatch(context.Background(), "upload", []byte(`{"serialNumber": "SN-1"}`))
	assert.Error(t, err)
	assert.Equal(t, 0, stored)
}

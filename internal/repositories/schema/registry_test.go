package schema_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/redis"
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

func testTableName() string {
	return fmt.Sprintf("schema_test_%d", time.Now().UnixNano())
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "plain key", key: "serialNumber"},
		{name: "mixed case", key: "dateTime_end"},
		{name: "spaces allowed", key: "FN expiration"},
		{name: "empty key", key: "", wantErr: true},
		{name: "embedded quote", key: `serial"Number`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := schema.ValidateKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_EnsureColumns(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := getTestDB(t)
	defer db.Close()

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	ctx := context.Background()
	table := testTableName()

	require.NoError(t, registry.EnsureTable(ctx, table, "serialNumber"))
	defer db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))

	columns, err := registry.EnsureColumns(ctx, table, []string{"v_time", "dateTime_end"})
	require.NoError(t, err)
	assert.Equal(t, "v_time", columns["v_time"])
	assert.Equal(t, "dateTime_end", columns["datetime_end"])

	// Same keys again must be a no-op.
	again, err := registry.EnsureColumns(ctx, table, []string{"v_time", "dateTime_end"})
	require.NoError(t, err)
	assert.Equal(t, columns, again)

	// A key differing only in case must not create a second column.
	_, err = registry.EnsureColumns(ctx, table, []string{"DATETIME_END"})
	require.NoError(t, err)

	names, err := registry.Columns(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, []string{"serialNumber", "v_time", "dateTime_end"}, names)
}

func TestRegistry_EnsureColumns_ReturnsSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := getTestDB(t)
	defer db.Close()

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	ctx := context.Background()
	table := testTableName()

	require.NoError(t, registry.EnsureTable(ctx, table, "serialNumber"))
	defer db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))

	first, err := registry.EnsureColumns(ctx, table, []string{"v_time"})
	require.NoError(t, err)

	// Growing the table must not reach back into maps handed out earlier.
	second, err := registry.EnsureColumns(ctx, table, []string{"dateTime_end"})
	require.NoError(t, err)

	assert.NotContains(t, first, "datetime_end")
	assert.Contains(t, second, "v_time")
	assert.Contains(t, second, "datetime_end")
}

func TestRegistry_EnsureColumns_ConcurrentIngest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := getTestDB(t)
	defer db.Close()

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	ctx := context.Background()
	table := testTableName()

	require.NoError(t, registry.EnsureTable(ctx, table, "serialNumber"))
	defer db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))

	columns, err := registry.EnsureColumns(ctx, table, []string{"v_time"})
	require.NoError(t, err)

	// One ingest reads its column set while another grows the table, the
	// push API plus FTP poller shape. The race detector flags this when a
	// live cache map escapes the registry.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			_, err := registry.EnsureColumns(ctx, table, []string{fmt.Sprintf("col_%d", i)})
			assert.NoError(t, err)
		}
	}()

	for i := 0; i < 200; i++ {
		for lower, stored := range columns {
			_ = lower
			_ = stored
		}
	}
	wg.Wait()

	final, err := registry.EnsureColumns(ctx, table, nil)
	require.NoError(t, err)
	assert.Contains(t, final, "col_9")
}

// contendedLocker behaves like a replica that never wins the DDL lock.
type contendedLocker struct{}

func (contendedLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	return redis.ErrLockNotAcquired
}

func TestRegistry_EnsureColumns_LockContention(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := getTestDB(t)
	defer db.Close()

	registry := schema.NewRegistry(db, getTestLogger(), contendedLocker{})
	ctx := context.Background()
	table := testTableName()

	require.NoError(t, registry.EnsureTable(ctx, table, "serialNumber"))
	defer db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))

	// Losing the lock must not fail the descriptor. The ALTER tolerates
	// columns the lock holder adds first, so the registry proceeds without it.
	columns, err := registry.EnsureColumns(ctx, table, []string{"v_time"})
	require.NoError(t, err)
	assert.Equal(t, "v_time", columns["v_time"])

	names, err := registry.Columns(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, []string{"serialNumber", "v_time"}, names)
}

func TestRegistry_EnsureColumns_RejectsQuotedKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := getTestDB(t)
	defer db.Close()

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	ctx := context.Background()
	table := testTableName()

	require.NoError(t, registry.EnsureTable(ctx, table, "serialNumber"))
	defer db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))

	_, err := registry.EnsureColumns(ctx, table, []string{`bad"key`})
	assert.ErrorIs(t, err, schema.ErrInvalidKey)

	names, err := registry.Columns(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, []string{"serialNumber"}, names)
}

func TestRegistry_InvalidateRereadsSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := getTestDB(t)
	defer db.Close()

	registry := schema.NewRegistry(db, getTestLogger(), nil)
	ctx := context.Background()
	table := testTableName()

	require.NoError(t, registry.EnsureTable(ctx, table, "serialNumber"))
	defer db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table))

	// Simulate another replica adding a column behind the registry's back.
	_, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q ADD COLUMN "v_time" TEXT`, table))
	require.NoError(t, err)

	registry.Invalidate(table)

	stored, ok, err := registry.HasColumn(ctx, table, "V_TIME")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v_time", stored)
}

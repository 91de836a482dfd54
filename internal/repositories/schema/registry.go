// Package schema manages the runtime-grown column sets of the device tables.
// Columns are only ever added, never dropped or retyped. Every added column
// is TEXT.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/redis"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

const ddlLockTTL = 30 * time.Second

// ErrInvalidKey is returned for descriptor keys that cannot become column
// names. Values are always parameterized; keys become quoted identifiers, so
// a double quote inside one is rejected outright.
var ErrInvalidKey = fmt.Errorf("descriptor key contains a double quote")

// Locker serializes DDL across replicas sharing one database. Satisfied by
// *redis.Locker.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Registry tracks and extends the column sets of dynamic tables.
type Registry struct {
	db     database.DB
	logger ectologger.Logger
	locker Locker // nil outside multi-replica deployments

	mu    sync.Mutex
	cache map[string]map[string]string // table -> lower(column) -> stored column name
}

func NewRegistry(db database.DB, logger ectologger.Logger, locker Locker) *Registry {
	return &Registry{
		db:     db,
		logger: logger,
		locker: locker,
		cache:  map[string]map[string]string{},
	}
}

// EnsureTable creates the table with just its primary key column when it does
// not exist yet.
func (r *Registry) EnsureTable(ctx context.Context, table, pkColumn string) error {
	ctx, span := tracing.StartSpan(ctx, "SchemaRegistry.EnsureTable")
	defer span.End()

	if err := ValidateKey(table); err != nil {
		return err
	}
	if err := ValidateKey(pkColumn); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s TEXT PRIMARY KEY)`,
		database.QuoteIdentifier(table), database.QuoteIdentifier(pkColumn))
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to ensure table %s", table)
		return fmt.Errorf("failed to ensure table %s: %w", table, err)
	}
	return nil
}

// EnsureColumns makes sure every descriptor key has a column, adding TEXT
// columns for the missing ones. It returns the mapping from lower-cased key
// to the stored column name so callers address existing columns with their
// original casing.
func (r *Registry) EnsureColumns(ctx context.Context, table string, keys []string) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "SchemaRegistry.EnsureColumns")
	defer span.End()

	for _, key := range keys {
		if err := ValidateKey(key); err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	columns, err := r.columnSetLocked(ctx, table)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, key := range keys {
		if _, ok := columns[strings.ToLower(key)]; !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) == 0 {
		return cloneColumns(columns), nil
	}

	addColumns := func() error {
		for _, key := range missing {
			if err := r.addColumnLocked(ctx, table, key); err != nil {
				return err
			}
			// addColumnLocked may have swapped the cached map after a
			// duplicate-column re-read; write into the current one.
			if current, ok := r.cache[table]; ok {
				current[strings.ToLower(key)] = key
			}
		}
		return nil
	}

	if r.locker != nil {
		err = r.locker.WithLock(ctx, "schema:"+table, ddlLockTTL, addColumns)
		if errors.Is(err, redis.ErrLockNotAcquired) {
			// Another replica is altering this table right now. The ALTER
			// path tolerates columns that appear underneath us, so proceed
			// without the lock rather than fail the descriptor.
			err = addColumns()
		}
	} else {
		err = addColumns()
	}
	if err != nil {
		delete(r.cache, table)
		return nil, err
	}

	return cloneColumns(r.cache[table]), nil
}

// cloneColumns snapshots a cached column set. Callers hold the returned map
// past the registry mutex, so they must never see the live cache.
func cloneColumns(columns map[string]string) map[string]string {
	snapshot := make(map[string]string, len(columns))
	for lower, stored := range columns {
		snapshot[lower] = stored
	}
	return snapshot
}

// Columns returns the table's column names in ordinal order.
func (r *Registry) Columns(ctx context.Context, table string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "SchemaRegistry.Columns")
	defer span.End()

	var columns []string
	err := r.db.SelectContext(ctx, &columns,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`,
		table)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to list columns of %s", table)
		return nil, fmt.Errorf("failed to list columns of %s: %w", table, err)
	}
	return columns, nil
}

// HasColumn reports whether the table has the named column, case-insensitive.
func (r *Registry) HasColumn(ctx context.Context, table, column string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	columns, err := r.columnSetLocked(ctx, table)
	if err != nil {
		return "", false, err
	}
	stored, ok := columns[strings.ToLower(column)]
	return stored, ok, nil
}

// Invalidate drops the cached column set for a table.
func (r *Registry) Invalidate(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, table)
}

func (r *Registry) columnSetLocked(ctx context.Context, table string) (map[string]string, error) {
	if cached, ok := r.cache[table]; ok {
		return cached, nil
	}

	columns, err := r.readColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	r.cache[table] = columns
	return columns, nil
}

func (r *Registry) readColumns(ctx context.Context, table string) (map[string]string, error) {
	var names []string
	err := r.db.SelectContext(ctx, &names,
		`SELECT column_name FROM information_schema.columns WHERE table_name = $1 ORDER BY ordinal_position`,
		table)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to read schema of %s", table)
		return nil, fmt.Errorf("failed to read schema of %s: %w", table, err)
	}

	columns := make(map[string]string, len(names))
	for _, name := range names {
		columns[strings.ToLower(name)] = name
	}
	return columns, nil
}

func (r *Registry) addColumnLocked(ctx context.Context, table, key string) error {
	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`,
		database.QuoteIdentifier(table), database.QuoteIdentifier(key))

	_, err := r.db.ExecContext(ctx, stmt)
	if err == nil {
		r.logger.WithContext(ctx).Infof("added column %q to %s", key, table)
		metrics.SchemaColumnsAdded.WithLabelValues(table).Inc()
		return nil
	}

	// Another replica may have added the column between our schema read and
	// the ALTER. Re-read and treat an existing column as success.
	if strings.Contains(err.Error(), "duplicate column") || strings.Contains(err.Error(), "already exists") {
		columns, readErr := r.readColumns(ctx, table)
		if readErr != nil {
			return readErr
		}
		r.cache[table] = columns
		if _, ok := columns[strings.ToLower(key)]; ok {
			return nil
		}
	}

	r.logger.WithContext(ctx).WithError(err).Errorf("failed to add column %q to %s", key, table)
	return fmt.Errorf("failed to add column %q to %s: %w", key, table, err)
}

// ValidateKey rejects descriptor keys that cannot be safely quoted as
// identifiers.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("descriptor key is empty")
	}
	if strings.Contains(key, `"`) {
		return ErrInvalidKey
	}
	return nil
}

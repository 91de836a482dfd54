// Package device implements the dynamic-schema upsert engine and query
// surface for the two device tables.
package device

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

const (
	// FiscalTable holds registered fiscal devices keyed by serial number.
	FiscalTable = "pos_fiscals"
	// FiscalPK is the primary key column of FiscalTable.
	FiscalPK = "serialNumber"

	// NotFiscalTable holds descriptors without a serial, keyed by source file.
	NotFiscalTable = "pos_not_fiscals"
	// NotFiscalPK is the primary key column of NotFiscalTable.
	NotFiscalPK = "filename"

	vTimeColumn  = "v_time"
	urlRMSColumn = "url_rms"
)

// NewDeviceFunc is called after a previously unseen serial lands with a
// usable endpoint. Implementations must not block.
type NewDeviceFunc func(urlRMS, inn, orgName string)

// Repository is the data access layer for the device tables.
type Repository struct {
	db       database.DB
	logger   ectologger.Logger
	registry *schema.Registry

	graceDays int
	dayFilter int

	onNewDevice NewDeviceFunc
	now         func() time.Time
}

type Config struct {
	// GraceDays is the expiry classification window
	GraceDays int
	// DayFilter is the liveness window for the expiring report
	DayFilter int
}

func NewRepository(db database.DB, logger ectologger.Logger, registry *schema.Registry, cfg Config) *Repository {
	return &Repository{
		db:        db,
		logger:    logger,
		registry:  registry,
		graceDays: cfg.GraceDays,
		dayFilter: cfg.DayFilter,
		now:       time.Now,
	}
}

// SetNewDeviceHook installs the registration side effect for fresh serials.
func (r *Repository) SetNewDeviceHook(fn NewDeviceFunc) {
	r.onNewDevice = fn
}

// UpsertFiscal stores a fiscal device descriptor. The write is a single
// INSERT ... ON CONFLICT statement so concurrent ingests for the same serial
// never interleave partial rows. Descriptors older than the stored row are
// dropped without error.
func (r *Repository) UpsertFiscal(ctx context.Context, serial string, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.UpsertFiscal")
	defer span.End()

	start := r.now()

	if serial == "" {
		return fmt.Errorf("serial is empty")
	}

	if err := r.registry.EnsureTable(ctx, FiscalTable, FiscalPK); err != nil {
		return err
	}

	existing, found, err := r.currentVTime(ctx, serial)
	if err != nil {
		return err
	}

	// Guard before touching the schema so stale descriptors cannot grow it.
	if incoming, hasVTime := fields[vTimeColumn]; found && hasVTime {
		incomingVTime, _ := incoming.(string)
		if incomingVTime == "" || (existing != "" && existing > incomingVTime) {
			r.logger.WithContext(ctx).WithFields(map[string]any{
				"serial":   serial,
				"stored":   existing,
				"incoming": incomingVTime,
			}).Info("skipping stale descriptor")
			metrics.StaleSkipsTotal.Inc()
			metrics.RecordIngest(FiscalTable, "stale", time.Since(start).Seconds())
			return nil
		}
	}

	columns, err := r.registry.EnsureColumns(ctx, FiscalTable, keysOf(fields))
	if err != nil {
		return err
	}

	inserted, err := r.upsert(ctx, FiscalTable, FiscalPK, serial, fields, columns)
	if err != nil {
		metrics.RecordIngest(FiscalTable, "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordIngest(FiscalTable, "ok", time.Since(start).Seconds())

	if inserted && r.onNewDevice != nil {
		if urlRMS, _ := fields[urlRMSColumn].(string); urlRMS != "" {
			inn, _ := fields["INN"].(string)
			orgName, _ := fields["organizationName"].(string)
			r.onNewDevice(urlRMS, inn, orgName)
		}
	}

	return nil
}

// UpsertNotFiscal stores a descriptor that carries no serial number, keyed
// by its source filename. No freshness guard, no side effects.
func (r *Repository) UpsertNotFiscal(ctx context.Context, filename string, fields map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.UpsertNotFiscal")
	defer span.End()

	start := r.now()

	if filename == "" {
		return fmt.Errorf("filename is empty")
	}

	if err := r.registry.EnsureTable(ctx, NotFiscalTable, NotFiscalPK); err != nil {
		return err
	}

	columns, err := r.registry.EnsureColumns(ctx, NotFiscalTable, keysOf(fields))
	if err != nil {
		return err
	}

	if _, err := r.upsert(ctx, NotFiscalTable, NotFiscalPK, filename, fields, columns); err != nil {
		metrics.RecordIngest(NotFiscalTable, "error", time.Since(start).Seconds())
		return err
	}
	metrics.RecordIngest(NotFiscalTable, "ok", time.Since(start).Seconds())
	return nil
}

// Delete removes a fiscal device row. Returns false when the serial was not
// present.
func (r *Repository) Delete(ctx context.Context, serial string) (bool, error) {
	return r.deleteByPK(ctx, FiscalTable, FiscalPK, serial)
}

// DeleteNotFiscal removes a non-fiscal row by filename.
func (r *Repository) DeleteNotFiscal(ctx context.Context, filename string) (bool, error) {
	return r.deleteByPK(ctx, NotFiscalTable, NotFiscalPK, filename)
}

func (r *Repository) deleteByPK(ctx context.Context, table, pk, value string) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.Delete")
	defer span.End()

	stmt := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`,
		database.QuoteIdentifier(table), database.QuoteIdentifier(pk))
	result, err := r.db.ExecContext(ctx, stmt, value)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to delete %q from %s", value, table)
		return false, fmt.Errorf("failed to delete from %s: %w", table, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// upsert writes one row atomically and reports whether it was a fresh
// insert. The xmax = 0 trick distinguishes inserts from conflict updates.
func (r *Repository) upsert(ctx context.Context, table, pk, pkValue string, fields map[string]any, columns map[string]string) (bool, error) {
	cols := []string{database.QuoteIdentifier(pk)}
	values := []any{pkValue}

	for _, key := range keysOf(fields) {
		stored, ok := columns[lowerKey(key)]
		if !ok {
			return false, fmt.Errorf("column for key %q missing after ensure", key)
		}
		if stored == pk {
			continue
		}
		text, err := StringifyValue(fields[key])
		if err != nil {
			return false, fmt.Errorf("field %q: %w", key, err)
		}
		cols = append(cols, database.QuoteIdentifier(stored))
		values = append(values, text)
	}

	ib := database.NewInsertBuilder()
	ib = ib.InsertInto(database.QuoteIdentifier(table)).Cols(cols...).Values(values...)

	if len(cols) == 1 {
		ib = ib.OnConflictDoNothing()
	} else {
		ub := ib.OnConflict(database.QuoteIdentifier(pk))
		assignments := make([]string, 0, len(cols)-1)
		for _, col := range cols[1:] {
			assignments = append(assignments, ub.Assign(col, database.Excluded(col)))
		}
		ub.Set(assignments...)
	}
	ib = ib.Returning("(xmax = 0) AS inserted")

	stmt, args := ib.Build()

	var inserted bool
	err := r.db.GetContext(ctx, &inserted, stmt, args...)
	if err != nil {
		// ON CONFLICT DO NOTHING returns no row when the key already exists.
		if err.Error() == "sql: no rows in result set" {
			return false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to upsert %q into %s", pkValue, table)
		return false, fmt.Errorf("failed to upsert into %s: %w", table, err)
	}

	return inserted, nil
}

// currentVTime fetches the stored v_time for a serial. found reports whether
// the row exists at all.
func (r *Repository) currentVTime(ctx context.Context, serial string) (string, bool, error) {
	selectVTime := `NULL`
	if stored, ok, err := r.registry.HasColumn(ctx, FiscalTable, vTimeColumn); err != nil {
		return "", false, err
	} else if ok {
		selectVTime = database.QuoteIdentifier(stored)
	}

	stmt := fmt.Sprintf(`SELECT COALESCE(%s, '') FROM %s WHERE %s = $1`,
		selectVTime, database.QuoteIdentifier(FiscalTable), database.QuoteIdentifier(FiscalPK))

	var stored string
	err := r.db.GetContext(ctx, &stored, stmt, serial)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to read stored v_time for %q", serial)
		return "", false, fmt.Errorf("failed to read stored v_time: %w", err)
	}
	return stored, true, nil
}

func keysOf(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func lowerKey(key string) string {
	// schema registry maps are keyed by lower-cased column names
	return strings.ToLower(key)
}

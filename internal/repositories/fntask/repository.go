// Package fntask tracks devices already flagged for fiscal-storage
// replacement so they drop out of the expiring report.
package fntask

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/internal/repositories"
	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

const fnSerialColumn = "fn_serial"

// Task is one replacement flag.
type Task struct {
	SerialNumber string `db:"serialNumber" json:"serialNumber"`
	FNSerial     string `db:"fn_serial" json:"fn_serial"`
}

type Repository struct {
	db       database.DB
	logger   ectologger.Logger
	registry *schema.Registry

	// While the task integration manages flags, manual unflagging would
	// cause duplicate replacement tasks on the next cycle.
	taskManagerEnabled bool
}

func NewRepository(db database.DB, logger ectologger.Logger, registry *schema.Registry, taskManagerEnabled bool) *Repository {
	return &Repository{db: db, logger: logger, registry: registry, taskManagerEnabled: taskManagerEnabled}
}

// Toggle flags or unflags a serial. Flagging an already flagged serial is a
// no-op. Unflagging is refused while the task integration is enabled.
func (r *Repository) Toggle(ctx context.Context, serial, fnSerial string, set bool) error {
	ctx, span := tracing.StartSpan(ctx, "FNTaskRepository.Toggle")
	defer span.End()

	if set {
		stmt := `INSERT INTO fn_sale_task ("serialNumber", fn_serial) VALUES ($1, $2)
			ON CONFLICT ("serialNumber") DO NOTHING`
		if _, err := r.db.ExecContext(ctx, stmt, serial, fnSerial); err != nil {
			r.logger.WithContext(ctx).WithError(err).Errorf("failed to flag serial %q", serial)
			return fmt.Errorf("failed to flag serial: %w", err)
		}
		return nil
	}

	if r.taskManagerEnabled {
		return repositories.Conflict("unflagging is disabled while automatic task creation is on")
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM fn_sale_task WHERE "serialNumber" = $1`, serial); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to unflag serial %q", serial)
		return fmt.Errorf("failed to unflag serial: %w", err)
	}
	return nil
}

// List returns all flagged serials.
func (r *Repository) List(ctx context.Context) ([]Task, error) {
	ctx, span := tracing.StartSpan(ctx, "FNTaskRepository.List")
	defer span.End()

	var tasks []Task
	if err := r.db.SelectContext(ctx, &tasks,
		`SELECT "serialNumber", COALESCE(fn_serial, '') AS fn_serial FROM fn_sale_task ORDER BY "serialNumber"`); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list replacement flags")
		return nil, fmt.Errorf("failed to list replacement flags: %w", err)
	}
	if tasks == nil {
		tasks = []Task{}
	}
	return tasks, nil
}

// PurgeStale drops flags whose device disappeared or whose fiscal storage
// was already replaced (the live fn serial no longer matches).
func (r *Repository) PurgeStale(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "FNTaskRepository.PurgeStale")
	defer span.End()

	// Without a device table every flag would be stale. That happens only on
	// an empty install, so skip instead of wiping flags.
	if _, ok, err := r.registry.HasColumn(ctx, "pos_fiscals", "serialNumber"); err != nil {
		return 0, err
	} else if !ok {
		return 0, nil
	}

	mismatch := ""
	if stored, ok, err := r.registry.HasColumn(ctx, "pos_fiscals", fnSerialColumn); err != nil {
		return 0, err
	} else if ok {
		mismatch = fmt.Sprintf(`OR EXISTS (
			SELECT 1 FROM "pos_fiscals" f
			WHERE f."serialNumber" = t."serialNumber"
			  AND COALESCE(f.%s, '') <> COALESCE(t.fn_serial, '')
		)`, database.QuoteIdentifier(stored))
	}

	stmt := fmt.Sprintf(`DELETE FROM fn_sale_task t
		WHERE NOT EXISTS (
			SELECT 1 FROM "pos_fiscals" f WHERE f."serialNumber" = t."serialNumber"
		) %s`, mismatch)

	result, err := r.db.ExecContext(ctx, stmt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to purge stale replacement flags")
		return 0, fmt.Errorf("failed to purge stale replacement flags: %w", err)
	}

	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		r.logger.WithContext(ctx).Infof("purged %d stale replacement flags", purged)
	}
	return purged, nil
}

package device

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/expiry"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// ExpiringAnnotation is the key the query surface adds to fiscal records.
const ExpiringAnnotation = "expiring"

// MarkedAnnotation flags report rows that already have a replacement task.
const MarkedAnnotation = "is_marked"

// Listing is a full-table read: ordered columns plus rows.
type Listing struct {
	Columns []string `json:"columns"`
	Records []Record `json:"records"`
}

// ListFiscals returns every fiscal device, each annotated with its expiry
// classification. An empty or missing table yields an empty listing.
func (r *Repository) ListFiscals(ctx context.Context) (*Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.ListFiscals")
	defer span.End()

	listing, err := r.listAll(ctx, FiscalTable)
	if err != nil {
		return nil, err
	}
	r.annotateExpiring(listing.Records)
	return listing, nil
}

// ListNotFiscals returns every non-fiscal descriptor row.
func (r *Repository) ListNotFiscals(ctx context.Context) (*Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.ListNotFiscals")
	defer span.End()

	return r.listAll(ctx, NotFiscalTable)
}

func (r *Repository) listAll(ctx context.Context, table string) (*Listing, error) {
	columns, err := r.registry.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return &Listing{Columns: []string{}, Records: []Record{}}, nil
	}

	rows, err := r.db.QueryxContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, database.QuoteIdentifier(table)))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to list %s", table)
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s rows: %w", table, err)
	}
	if records == nil {
		records = []Record{}
	}

	return &Listing{Columns: columns, Records: records}, nil
}

// Search matches q case-insensitively against every column of the fiscal
// table. Records are annotated like ListFiscals.
func (r *Repository) Search(ctx context.Context, q string) (*Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.Search")
	defer span.End()

	columns, err := r.registry.Columns(ctx, FiscalTable)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return &Listing{Columns: []string{}, Records: []Record{}}, nil
	}

	conditions := make([]string, 0, len(columns))
	for _, column := range columns {
		conditions = append(conditions, fmt.Sprintf(`%s::TEXT ILIKE $1`, database.QuoteIdentifier(column)))
	}

	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE %s`,
		database.QuoteIdentifier(FiscalTable), strings.Join(conditions, " OR "))

	rows, err := r.db.QueryxContext(ctx, stmt, "%"+q+"%")
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("search failed for %q", q)
		return nil, fmt.Errorf("search failed: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan search rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}

	r.annotateExpiring(records)
	return &Listing{Columns: columns, Records: records}, nil
}

// StaleSince returns fiscal rows whose named timestamp column is older than
// now minus days. The column must already exist; timestamps are ISO strings
// so the cutoff compare stays in string space.
func (r *Repository) StaleSince(ctx context.Context, column string, days int) (*Listing, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.StaleSince")
	defer span.End()

	stored, ok, err := r.registry.HasColumn(ctx, FiscalTable, column)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("column %q does not exist: %w", column, ErrUnknownColumn)
	}

	columns, err := r.registry.Columns(ctx, FiscalTable)
	if err != nil {
		return nil, err
	}

	cutoff := r.now().AddDate(0, 0, -days).Format(expiry.TimeLayout)
	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE %s <> '' AND left(%s, 19) < $1`,
		database.QuoteIdentifier(FiscalTable),
		database.QuoteIdentifier(stored), database.QuoteIdentifier(stored))

	rows, err := r.db.QueryxContext(ctx, stmt, cutoff)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("stale query failed for column %q", column)
		return nil, fmt.Errorf("stale query failed: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stale rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}

	return &Listing{Columns: columns, Records: records}, nil
}

// ErrUnknownColumn marks StaleSince calls that name a column the table does
// not have.
var ErrUnknownColumn = fmt.Errorf("unknown column")

// ExpiringReport lists devices whose fiscal storage ends within [start, end]
// (inclusive, YYYY-MM-DD), joined with the client directory. Devices that
// stopped reporting are excluded; devices already flagged in fn_sale_task
// are excluded unless includeFlagged.
func (r *Repository) ExpiringReport(ctx context.Context, start, end string, includeFlagged bool) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.ExpiringReport")
	defer span.End()

	for _, required := range []string{"dateTime_end", urlRMSColumn, vTimeColumn} {
		if _, ok, err := r.registry.HasColumn(ctx, FiscalTable, required); err != nil {
			return nil, err
		} else if !ok {
			r.logger.WithContext(ctx).Warnf("expiring report skipped, column %q does not exist yet", required)
			return []Record{}, nil
		}
	}

	flagFilter := ""
	if !includeFlagged {
		flagFilter = `AND t."serialNumber" IS NULL`
	}

	stmt := fmt.Sprintf(`
		SELECT f.*,
		       COALESCE(c."serverName", '') AS "serverName",
		       COALESCE(c."organizationName", '') AS "clientOrganizationName",
		       COALESCE(c."INN", '') AS "clientINN",
		       COALESCE(c.id, '') AS client_id,
		       (t."serialNumber" IS NOT NULL) AS %s
		FROM "pos_fiscals" f
		LEFT JOIN clients c ON f."url_rms" = c.url_rms
		LEFT JOIN fn_sale_task t ON f."serialNumber" = t."serialNumber"
		WHERE f."dateTime_end" <> ''
		  AND left(f."dateTime_end", 10) BETWEEN $1 AND $2
		  %s
		ORDER BY f."dateTime_end" ASC`, database.QuoteIdentifier(MarkedAnnotation), flagFilter)

	rows, err := r.db.QueryxContext(ctx, stmt, start, end)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("expiring report query failed")
		return nil, fmt.Errorf("expiring report query failed: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan report rows: %w", err)
	}

	// Devices that stopped reporting would show up forever. Drop them.
	now := r.now()
	fresh := make([]Record, 0, len(records))
	for _, record := range records {
		if expiry.IsFresh(getString(record, vTimeColumn), r.dayFilter, now) {
			fresh = append(fresh, record)
		}
	}

	metrics.ExpiringDevices.Set(float64(len(fresh)))
	return fresh, nil
}

// GetBySerials returns fiscal rows for the requested serials.
func (r *Repository) GetBySerials(ctx context.Context, serials []string) ([]Record, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.GetBySerials")
	defer span.End()

	if len(serials) == 0 {
		return []Record{}, nil
	}

	stmt := fmt.Sprintf(`SELECT * FROM %s WHERE %s = ANY($1)`,
		database.QuoteIdentifier(FiscalTable), database.QuoteIdentifier(FiscalPK))

	rows, err := r.db.QueryxContext(ctx, stmt, pq.Array(serials))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get devices by serials")
		return nil, fmt.Errorf("failed to get devices by serials: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan serial rows: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// SerialEntry is a push-agent bootstrap record.
type SerialEntry struct {
	Serial           string `db:"serial" json:"serial"`
	ClientID         string `db:"client_id" json:"client_id,omitempty"`
	URLRMS           string `db:"url_rms" json:"url_rms,omitempty"`
	ServerName       string `db:"serverName" json:"serverName,omitempty"`
	OrganizationName string `db:"organizationName" json:"organizationName,omitempty"`
	INN              string `db:"INN" json:"INN,omitempty"`
}

// SerialDirectory lists every known serial, optionally joined with client
// directory details.
func (r *Repository) SerialDirectory(ctx context.Context, extended bool) ([]SerialEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.SerialDirectory")
	defer span.End()

	if _, ok, err := r.registry.HasColumn(ctx, FiscalTable, FiscalPK); err != nil {
		return nil, err
	} else if !ok {
		return []SerialEntry{}, nil
	}

	stmt := `SELECT f."serialNumber" AS serial FROM "pos_fiscals" f ORDER BY f."serialNumber"`
	if extended {
		if _, ok, err := r.registry.HasColumn(ctx, FiscalTable, urlRMSColumn); err != nil {
			return nil, err
		} else if ok {
			stmt = `
				SELECT f."serialNumber" AS serial,
				       COALESCE(c.id, '') AS client_id,
				       COALESCE(f."url_rms", '') AS url_rms,
				       COALESCE(c."serverName", '') AS "serverName",
				       COALESCE(c."organizationName", '') AS "organizationName",
				       COALESCE(c."INN", '') AS "INN"
				FROM "pos_fiscals" f
				LEFT JOIN clients c ON f."url_rms" = c.url_rms
				ORDER BY f."serialNumber"`
		}
	}

	var entries []SerialEntry
	if err := r.db.SelectContext(ctx, &entries, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list serial directory")
		return nil, fmt.Errorf("failed to list serial directory: %w", err)
	}
	if entries == nil {
		entries = []SerialEntry{}
	}
	return entries, nil
}

// Endpoint is a distinct RMS installation seen across the fiscal fleet.
type Endpoint struct {
	URLRMS           string `db:"url_rms"`
	INN              string `db:"INN"`
	OrganizationName string `db:"organizationName"`
}

// Endpoints lists every distinct RMS endpoint referenced by fiscal devices,
// for the daily client directory sweep.
func (r *Repository) Endpoints(ctx context.Context) ([]Endpoint, error) {
	ctx, span := tracing.StartSpan(ctx, "DeviceRepository.Endpoints")
	defer span.End()

	if _, ok, err := r.registry.HasColumn(ctx, FiscalTable, urlRMSColumn); err != nil {
		return nil, err
	} else if !ok {
		return []Endpoint{}, nil
	}

	// INN and organizationName may not exist yet on young tables.
	selects := []string{`f."url_rms" AS url_rms`}
	for _, optional := range []string{"INN", "organizationName"} {
		expr := fmt.Sprintf(`'' AS %s`, database.QuoteIdentifier(optional))
		if stored, ok, err := r.registry.HasColumn(ctx, FiscalTable, optional); err != nil {
			return nil, err
		} else if ok {
			expr = fmt.Sprintf(`COALESCE(f.%s, '') AS %s`,
				database.QuoteIdentifier(stored), database.QuoteIdentifier(optional))
		}
		selects = append(selects, expr)
	}

	stmt := fmt.Sprintf(`
		SELECT DISTINCT %s
		FROM "pos_fiscals" f
		WHERE f."url_rms" IS NOT NULL AND f."url_rms" <> ''`, strings.Join(selects, ", "))

	var endpoints []Endpoint
	if err := r.db.SelectContext(ctx, &endpoints, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to enumerate endpoints")
		return nil, fmt.Errorf("failed to enumerate endpoints: %w", err)
	}
	if endpoints == nil {
		endpoints = []Endpoint{}
	}
	return endpoints, nil
}

func (r *Repository) annotateExpiring(records []Record) {
	now := r.now()
	for _, record := range records {
		record[ExpiringAnnotation] = expiry.IsExpiring(
			getString(record, vTimeColumn),
			getString(record, "current_time"),
			r.graceDays,
			now,
		)
	}
}

// Package client is the data access layer for the client installation
// directory.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/fiscalops/fleetwatch/internal/repositories/schema"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// Client is one known RMS installation.
type Client struct {
	ID               string     `db:"id" json:"id"`
	URLRMS           string     `db:"url_rms" json:"url_rms"`
	INN              *string    `db:"INN" json:"INN,omitempty"`
	OrganizationName *string    `db:"organizationName" json:"organizationName,omitempty"`
	ServerName       *string    `db:"serverName" json:"serverName,omitempty"`
	Version          *string    `db:"version" json:"version,omitempty"`
	ManualEdit       bool       `db:"manual_edit" json:"manual_edit"`
	LastUpdated      *time.Time `db:"last_updated" json:"last_updated,omitempty"`
}

type Repository struct {
	db       database.DB
	logger   ectologger.Logger
	registry *schema.Registry
	now      func() time.Time
}

func NewRepository(db database.DB, logger ectologger.Logger, registry *schema.Registry) *Repository {
	return &Repository{db: db, logger: logger, registry: registry, now: time.Now}
}

// Get returns the client for an endpoint, or nil when unknown.
func (r *Repository) Get(ctx context.Context, urlRMS string) (*Client, error) {
	ctx, span := tracing.StartSpan(ctx, "ClientRepository.Get")
	defer span.End()

	stmt := `SELECT id, url_rms, "INN", "organizationName", "serverName", version, manual_edit, last_updated
		FROM clients WHERE url_rms = $1`

	var result Client
	err := r.db.GetContext(ctx, &result, stmt, urlRMS)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to get client %q", urlRMS)
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return &result, nil
}

// List returns all clients ordered by endpoint.
func (r *Repository) List(ctx context.Context) ([]Client, error) {
	ctx, span := tracing.StartSpan(ctx, "ClientRepository.List")
	defer span.End()

	stmt := `SELECT id, url_rms, "INN", "organizationName", "serverName", version, manual_edit, last_updated
		FROM clients ORDER BY url_rms`

	var clients []Client
	if err := r.db.SelectContext(ctx, &clients, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list clients")
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	if clients == nil {
		clients = []Client{}
	}
	return clients, nil
}

// SyncFields carries the refreshable part of a client record. ServerName and
// Version stay nil when the monitoring endpoint could not be reached.
type SyncFields struct {
	INN              string
	OrganizationName string
	ServerName       *string
	Version          *string
}

// Sync upserts a client from a monitoring refresh. Manually edited rows keep
// their stored serverName; everything else is refreshed.
func (r *Repository) Sync(ctx context.Context, urlRMS string, fields SyncFields) error {
	ctx, span := tracing.StartSpan(ctx, "ClientRepository.Sync")
	defer span.End()

	now := r.now()

	existing, err := r.Get(ctx, urlRMS)
	if err != nil {
		return err
	}

	if existing == nil {
		stmt := `INSERT INTO clients (id, url_rms, "INN", "organizationName", "serverName", version, manual_edit, last_updated)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
			ON CONFLICT (url_rms) DO UPDATE SET
				"INN" = EXCLUDED."INN",
				"organizationName" = EXCLUDED."organizationName",
				"serverName" = EXCLUDED."serverName",
				version = EXCLUDED.version,
				last_updated = EXCLUDED.last_updated`
		_, err = r.db.ExecContext(ctx, stmt,
			uuid.New().String(), urlRMS, fields.INN, fields.OrganizationName,
			fields.ServerName, fields.Version, now)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Errorf("failed to insert client %q", urlRMS)
			return fmt.Errorf("failed to insert client: %w", err)
		}
		return nil
	}

	serverName := fields.ServerName
	if existing.ManualEdit {
		serverName = existing.ServerName
	}

	stmt := `UPDATE clients SET
			"INN" = $2,
			"organizationName" = $3,
			"serverName" = $4,
			version = $5,
			last_updated = $6
		WHERE url_rms = $1`
	_, err = r.db.ExecContext(ctx, stmt, urlRMS,
		fields.INN, fields.OrganizationName, serverName, fields.Version, now)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to refresh client %q", urlRMS)
		return fmt.Errorf("failed to refresh client: %w", err)
	}
	return nil
}

// EditServerName stores an operator-chosen display name and pins it against
// future syncs.
func (r *Repository) EditServerName(ctx context.Context, urlRMS, name string) error {
	ctx, span := tracing.StartSpan(ctx, "ClientRepository.EditServerName")
	defer span.End()

	stmt := `INSERT INTO clients (id, url_rms, "serverName", manual_edit, last_updated)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (url_rms) DO UPDATE SET
			"serverName" = EXCLUDED."serverName",
			manual_edit = TRUE,
			last_updated = EXCLUDED.last_updated`
	_, err := r.db.ExecContext(ctx, stmt, uuid.New().String(), urlRMS, name, r.now())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to edit server name for %q", urlRMS)
		return fmt.Errorf("failed to edit server name: %w", err)
	}
	return nil
}

// PurgeOrphans deletes clients whose endpoint no longer appears on any
// fiscal device.
func (r *Repository) PurgeOrphans(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ClientRepository.PurgeOrphans")
	defer span.End()

	// Nothing to compare against until the device table has endpoints.
	if _, ok, err := r.registry.HasColumn(ctx, "pos_fiscals", "url_rms"); err != nil {
		return 0, err
	} else if !ok {
		return 0, nil
	}

	stmt := `DELETE FROM clients
		WHERE url_rms NOT IN (
			SELECT DISTINCT "url_rms" FROM "pos_fiscals"
			WHERE "url_rms" IS NOT NULL AND "url_rms" <> ''
		)`
	result, err := r.db.ExecContext(ctx, stmt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to purge orphan clients")
		return 0, fmt.Errorf("failed to purge orphan clients: %w", err)
	}
	return result.RowsAffected()
}

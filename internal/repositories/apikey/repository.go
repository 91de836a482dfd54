// Package apikey manages the push-ingest credential directory. Keys are
// deactivated rather than deleted so audit trails survive.
package apikey

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/fiscalops/fleetwatch/internal/repositories"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// Key is one issued credential.
type Key struct {
	APIKey   string `db:"api_key" json:"api_key"`
	Name     string `db:"name" json:"name"`
	AdminTag bool   `db:"admin_tag" json:"admin_tag"`
	Active   bool   `db:"active" json:"active"`
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Create issues a new key. The key value is a fresh uuid.
func (r *Repository) Create(ctx context.Context, name string, admin bool) (*Key, error) {
	ctx, span := tracing.StartSpan(ctx, "APIKeyRepository.Create")
	defer span.End()

	if name == "" {
		return nil, repositories.BadRequest("key name is required")
	}

	key := Key{
		APIKey:   uuid.New().String(),
		Name:     name,
		AdminTag: admin,
		Active:   true,
	}

	stmt := `INSERT INTO api_keys (api_key, name, admin_tag, active) VALUES ($1, $2, $3, TRUE)`
	if _, err := r.db.ExecContext(ctx, stmt, key.APIKey, key.Name, key.AdminTag); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("failed to create api key %q", name)
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}

	r.logger.WithContext(ctx).Infof("issued api key %q (admin=%t)", name, admin)
	return &key, nil
}

// List returns keys, active only unless includeInactive.
func (r *Repository) List(ctx context.Context, includeInactive bool) ([]Key, error) {
	ctx, span := tracing.StartSpan(ctx, "APIKeyRepository.List")
	defer span.End()

	stmt := `SELECT api_key, name, admin_tag, active FROM api_keys`
	if !includeInactive {
		stmt += ` WHERE active`
	}
	stmt += ` ORDER BY name`

	var keys []Key
	if err := r.db.SelectContext(ctx, &keys, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list api keys")
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	if keys == nil {
		keys = []Key{}
	}
	return keys, nil
}

// SetActive flips a key's active flag.
func (r *Repository) SetActive(ctx context.Context, key string, active bool) error {
	ctx, span := tracing.StartSpan(ctx, "APIKeyRepository.SetActive")
	defer span.End()

	result, err := r.db.ExecContext(ctx, `UPDATE api_keys SET active = $2 WHERE api_key = $1`, key, active)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to update api key")
		return fmt.Errorf("failed to update api key: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repositories.NotFound("api key not found")
	}
	return nil
}

// Verify resolves an active key. Satisfies the auth middleware's verifier.
func (r *Repository) Verify(ctx context.Context, key string) (string, bool, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "APIKeyRepository.Verify")
	defer span.End()

	var record Key
	err := r.db.GetContext(ctx, &record,
		`SELECT api_key, name, admin_tag, active FROM api_keys WHERE api_key = $1 AND active`, key)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", false, false, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to verify api key")
		return "", false, false, fmt.Errorf("failed to verify api key: %w", err)
	}

	return record.Name, record.AdminTag, true, nil
}

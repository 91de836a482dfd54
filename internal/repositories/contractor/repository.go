// Package contractor stores the Bitrix24 employee and project directories
// used to address replacement tasks.
package contractor

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/fiscalops/fleetwatch/internal/repositories"
	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// Employee is one Bitrix24 user. Departments holds the raw JSON array the
// portal returns for UF_DEPARTMENT.
type Employee struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"NAME" json:"NAME"`
	LastName    string `db:"LAST_NAME" json:"LAST_NAME"`
	Departments string `db:"UF_DEPARTMENT" json:"UF_DEPARTMENT"`
	Responsible bool   `db:"responsible" json:"responsible"`
}

// Project is one Bitrix24 workgroup.
type Project struct {
	ID          string `db:"id" json:"id"`
	Name        string `db:"NAME" json:"NAME"`
	SubjectName string `db:"SUBJECT_NAME" json:"SUBJECT_NAME"`
	Observers   bool   `db:"observers" json:"observers"`
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// SyncEmployees replaces the employee directory with the given set: current
// ids are upserted, vanished ids deleted. Selection flags survive upserts.
func (r *Repository) SyncEmployees(ctx context.Context, employees []Employee) error {
	ctx, span := tracing.StartSpan(ctx, "ContractorRepository.SyncEmployees")
	defer span.End()

	if len(employees) == 0 {
		return fmt.Errorf("refusing to sync an empty employee directory")
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(employees))
	for _, employee := range employees {
		ids = append(ids, employee.ID)

		stmt := `INSERT INTO bitrix_employees ("id", "NAME", "LAST_NAME", "UF_DEPARTMENT", "responsible")
			VALUES ($1, $2, $3, $4, FALSE)
			ON CONFLICT ("id") DO UPDATE SET
				"NAME" = EXCLUDED."NAME",
				"LAST_NAME" = EXCLUDED."LAST_NAME",
				"UF_DEPARTMENT" = EXCLUDED."UF_DEPARTMENT"`
		_, err := tx.ExecContext(ctx, stmt, employee.ID, employee.Name, employee.LastName, employee.Departments)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Errorf("failed to upsert employee %s", employee.ID)
			return fmt.Errorf("failed to upsert employee: %w", err)
		}
	}

	stmt := `DELETE FROM bitrix_employees WHERE NOT ("id" = ANY($1))`
	if _, err := tx.ExecContext(ctx, stmt, pq.Array(ids)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete vanished employees")
		return fmt.Errorf("failed to delete vanished employees: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.WithContext(ctx).Infof("employee directory synced, %d records", len(employees))
	return nil
}

// SyncProjects replaces the project directory the same way.
func (r *Repository) SyncProjects(ctx context.Context, projects []Project) error {
	ctx, span := tracing.StartSpan(ctx, "ContractorRepository.SyncProjects")
	defer span.End()

	if len(projects) == 0 {
		return fmt.Errorf("refusing to sync an empty project directory")
	}

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(projects))
	for _, project := range projects {
		ids = append(ids, project.ID)

		stmt := `INSERT INTO bitrix_projects ("id", "NAME", "SUBJECT_NAME", "observers")
			VALUES ($1, $2, $3, FALSE)
			ON CONFLICT ("id") DO UPDATE SET
				"NAME" = EXCLUDED."NAME",
				"SUBJECT_NAME" = EXCLUDED."SUBJECT_NAME"`
		_, err := tx.ExecContext(ctx, stmt, project.ID, project.Name, project.SubjectName)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Errorf("failed to upsert project %s", project.ID)
			return fmt.Errorf("failed to upsert project: %w", err)
		}
	}

	stmt := `DELETE FROM bitrix_projects WHERE NOT ("id" = ANY($1))`
	if _, err := tx.ExecContext(ctx, stmt, pq.Array(ids)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete vanished projects")
		return fmt.Errorf("failed to delete vanished projects: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	r.logger.WithContext(ctx).Infof("project directory synced, %d records", len(projects))
	return nil
}

// Directory is the full contractor listing for the selection UI.
type Directory struct {
	Employees []Employee `json:"employees"`
	Projects  []Project  `json:"projects"`
}

// List returns both directories ordered by numeric id.
func (r *Repository) List(ctx context.Context) (Directory, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractorRepository.List")
	defer span.End()

	var dir Directory

	stmt := `SELECT "id", "NAME", "LAST_NAME", "UF_DEPARTMENT", "responsible"
		FROM bitrix_employees ORDER BY CAST("id" AS INTEGER)`
	if err := r.db.SelectContext(ctx, &dir.Employees, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list employees")
		return dir, fmt.Errorf("failed to list employees: %w", err)
	}

	stmt = `SELECT "id", "NAME", "SUBJECT_NAME", "observers"
		FROM bitrix_projects ORDER BY CAST("id" AS INTEGER)`
	if err := r.db.SelectContext(ctx, &dir.Projects, stmt); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list projects")
		return dir, fmt.Errorf("failed to list projects: %w", err)
	}

	if dir.Employees == nil {
		dir.Employees = []Employee{}
	}
	if dir.Projects == nil {
		dir.Projects = []Project{}
	}
	return dir, nil
}

// Select resets both selections and marks the given employee as responsible
// and the given project as the observer group. Either id may be empty.
func (r *Repository) Select(ctx context.Context, responsibleID, observersID string) error {
	ctx, span := tracing.StartSpan(ctx, "ContractorRepository.Select")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, `UPDATE bitrix_employees SET "responsible" = FALSE`); err != nil {
		return fmt.Errorf("failed to reset responsible flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE bitrix_projects SET "observers" = FALSE`); err != nil {
		return fmt.Errorf("failed to reset observer flags: %w", err)
	}

	if responsibleID != "" {
		result, err := tx.ExecContext(ctx,
			`UPDATE bitrix_employees SET "responsible" = TRUE WHERE "id" = $1`, responsibleID)
		if err != nil {
			return fmt.Errorf("failed to select responsible employee: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return repositories.NotFound("employee %s not found", responsibleID)
		}
	}

	if observersID != "" {
		result, err := tx.ExecContext(ctx,
			`UPDATE bitrix_projects SET "observers" = TRUE WHERE "id" = $1`, observersID)
		if err != nil {
			return fmt.Errorf("failed to select observer group: %w", err)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return repositories.NotFound("project %s not found", observersID)
		}
	}

	return tx.Commit(ctx)
}

// SelectedResponsible returns the id of the employee flagged responsible, or
// "" when none is selected.
func (r *Repository) SelectedResponsible(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractorRepository.SelectedResponsible")
	defer span.End()

	return r.selectedID(ctx, `SELECT "id" FROM bitrix_employees WHERE "responsible" ORDER BY CAST("id" AS INTEGER) LIMIT 1`)
}

// SelectedObservers returns the id of the project flagged as observer group,
// or "" when none is selected.
func (r *Repository) SelectedObservers(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "ContractorRepository.SelectedObservers")
	defer span.End()

	return r.selectedID(ctx, `SELECT "id" FROM bitrix_projects WHERE "observers" ORDER BY CAST("id" AS INTEGER) LIMIT 1`)
}

func (r *Repository) selectedID(ctx context.Context, stmt string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, stmt)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return "", nil
		}
		return "", fmt.Errorf("failed to read selection: %w", err)
	}
	return id, nil
}

package bitrix

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/internal/repositories/contractor"
	"github.com/fiscalops/fleetwatch/internal/repositories/device"
	"github.com/fiscalops/fleetwatch/internal/repositories/fntask"
	"github.com/fiscalops/fleetwatch/pkg/expiry"
	"github.com/fiscalops/fleetwatch/pkg/metrics"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// requestPause spaces out the two directory listing calls.
const requestPause = 10 * time.Second

// DirectorySync refreshes the local contractor directories from the portal.
type DirectorySync struct {
	client      *Client
	contractors *contractor.Repository
	logger      ectologger.Logger
}

func NewDirectorySync(client *Client, contractors *contractor.Repository, logger ectologger.Logger) *DirectorySync {
	return &DirectorySync{client: client, contractors: contractors, logger: logger}
}

// Name implements the scheduler job interface.
func (s *DirectorySync) Name() string { return "bitrix-directory-sync" }

// Run pulls both directories and stores them.
func (s *DirectorySync) Run(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "DirectorySync.Run")
	defer span.End()

	employees, err := s.client.ListEmployees(ctx)
	if err != nil {
		return fmt.Errorf("employee listing failed: %w", err)
	}

	rows := make([]contractor.Employee, 0, len(employees))
	for _, employee := range employees {
		rows = append(rows, contractor.Employee{
			ID:          employee.ID,
			Name:        employee.Name,
			LastName:    employee.LastName,
			Departments: employee.DepartmentJSON(),
		})
	}
	if err := s.contractors.SyncEmployees(ctx, rows); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(requestPause):
	}

	projects, err := s.client.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("project listing failed: %w", err)
	}

	groups := make([]contractor.Project, 0, len(projects))
	for _, project := range projects {
		groups = append(groups, contractor.Project{
			ID:          project.ID,
			Name:        project.Name,
			SubjectName: project.SubjectName,
		})
	}
	return s.contractors.SyncProjects(ctx, groups)
}

// TaskCreatorConfig tunes the replacement task sweep.
type TaskCreatorConfig struct {
	// WindowDays is how far ahead to look for expiring fiscal storage.
	WindowDays int
	// TaskDelay is the pause between task creations.
	TaskDelay time.Duration
}

// TaskCreator files one portal task per device whose fiscal storage runs out
// within the window, then flags the device so the next sweep skips it.
type TaskCreator struct {
	client      *Client
	devices     *device.Repository
	contractors *contractor.Repository
	fntasks     *fntask.Repository
	cfg         TaskCreatorConfig
	logger      ectologger.Logger
	now         func() time.Time
}

func NewTaskCreator(
	client *Client,
	devices *device.Repository,
	contractors *contractor.Repository,
	fntasks *fntask.Repository,
	cfg TaskCreatorConfig,
	logger ectologger.Logger,
) *TaskCreator {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 30
	}
	return &TaskCreator{
		client:      client,
		devices:     devices,
		contractors: contractors,
		fntasks:     fntasks,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Name implements the scheduler job interface.
func (s *TaskCreator) Name() string { return "bitrix-task-creator" }

// Run performs one sweep.
func (s *TaskCreator) Run(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "TaskCreator.Run")
	defer span.End()

	responsible, err := s.contractors.SelectedResponsible(ctx)
	if err != nil {
		return err
	}
	if responsible == "" {
		return fmt.Errorf("no responsible employee selected, skipping task sweep")
	}

	// The observer group is optional.
	observers, err := s.contractors.SelectedObservers(ctx)
	if err != nil {
		return err
	}

	author, err := s.client.AuthorID()
	if err != nil {
		return err
	}

	now := s.now()
	start := now.Format(expiry.DateLayout)
	end := now.AddDate(0, 0, s.cfg.WindowDays).Format(expiry.DateLayout)

	records, err := s.devices.ExpiringReport(ctx, start, end, false)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		s.logger.WithContext(ctx).Info("no devices need fiscal storage replacement")
		return nil
	}

	s.logger.WithContext(ctx).Infof("%d devices need fiscal storage replacement within %d days", len(records), s.cfg.WindowDays)

	for i, record := range s.records(records) {
		if err := s.createTask(ctx, record, responsible, observers, author); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warnf("task creation failed for %s", record.Serial)
			metrics.BitrixTasksCreated.WithLabelValues("error").Inc()
		} else {
			metrics.BitrixTasksCreated.WithLabelValues("ok").Inc()
		}

		if s.cfg.TaskDelay > 0 && i < len(records)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.TaskDelay):
			}
		}
	}

	return nil
}

type taskRecord struct {
	Client       string
	Serial       string
	RNM          string
	FNSerial     string
	Organization string
	INN          string
	DateEnd      string
}

func (s *TaskCreator) records(raw []device.Record) []taskRecord {
	out := make([]taskRecord, 0, len(raw))
	for _, record := range raw {
		out = append(out, taskRecord{
			Client:       field(record, "serverName"),
			Serial:       field(record, "serialNumber"),
			RNM:          field(record, "RNM"),
			FNSerial:     field(record, "fn_serial"),
			Organization: field(record, "organizationName"),
			INN:          field(record, "INN"),
			DateEnd:      field(record, "dateTime_end"),
		})
	}
	return out
}

func (s *TaskCreator) createTask(ctx context.Context, record taskRecord, responsible, observers, author string) error {
	title := fmt.Sprintf("FN replacement due %s, %s", record.DateEnd, record.Client)
	description := fmt.Sprintf(
		"Client: %s\nSerial number: %s\nRNM: %s\nFN serial: %s\nOrganization: %s\nINN: %s\nExpires: %s\n",
		record.Client, record.Serial, record.RNM, record.FNSerial,
		record.Organization, record.INN, record.DateEnd)

	err := s.client.CreateTask(ctx, TaskFields{
		Title:         title,
		Description:   description,
		ResponsibleID: responsible,
		CreatedBy:     author,
		GroupID:       observers,
	})
	if err != nil {
		return err
	}

	s.logger.WithContext(ctx).Infof("created replacement task for %s", record.Serial)
	return s.fntasks.Toggle(ctx, record.Serial, record.FNSerial, true)
}

func field(record device.Record, key string) string {
	if value, ok := record[key].(string); ok {
		return value
	}
	return ""
}

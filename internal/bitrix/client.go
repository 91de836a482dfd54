// Package bitrix integrates with a Bitrix24 portal over an inbound REST
// webhook. Only three calls are used: user.get, sonet_group.get and
// tasks.task.add.
package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/fiscalops/fleetwatch/pkg/httpclient"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
)

// pageSize is the fixed Bitrix24 REST page size.
const pageSize = 50

// pagePause spaces out paginated listing calls so the portal's rate
// limiter stays quiet.
const pagePause = 15 * time.Second

type ClientConfig struct {
	// WebhookURL is the inbound webhook base, e.g.
	// https://portal.bitrix24.ru/rest/17/abc123/
	WebhookURL string
	Attempts   int
	RetryDelay time.Duration
}

// Client is a minimal Bitrix24 REST webhook client with bounded retries.
type Client struct {
	http   *httpclient.Client
	cfg    ClientConfig
	logger ectologger.Logger
}

func NewClient(http *httpclient.Client, cfg ClientConfig, logger ectologger.Logger) *Client {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Client{http: http, cfg: cfg, logger: logger}
}

// AuthorID extracts the webhook owner's user id from the webhook URL. Tasks
// are created on that user's behalf.
func (c *Client) AuthorID() (string, error) {
	_, after, found := strings.Cut(c.cfg.WebhookURL, "/rest/")
	if !found {
		return "", fmt.Errorf("webhook url carries no /rest/ segment")
	}
	id, _, _ := strings.Cut(after, "/")
	if id == "" {
		return "", fmt.Errorf("webhook url carries no user id")
	}
	return id, nil
}

type listResponse struct {
	Result []json.RawMessage `json:"result"`
	Total  int               `json:"total"`
}

// Employee mirrors the user.get fields the directory keeps.
type Employee struct {
	ID         string          `json:"ID"`
	Name       string          `json:"NAME"`
	LastName   string          `json:"LAST_NAME"`
	Department json.RawMessage `json:"UF_DEPARTMENT"`
}

// DepartmentJSON normalizes UF_DEPARTMENT to a JSON array string. The portal
// returns either an array or a scalar depending on the user.
func (e Employee) DepartmentJSON() string {
	raw := strings.TrimSpace(string(e.Department))
	if raw == "" || raw == "null" {
		return "[]"
	}
	if strings.HasPrefix(raw, "[") {
		return raw
	}
	return "[" + raw + "]"
}

// Project mirrors the sonet_group.get fields the directory keeps.
type Project struct {
	ID          string `json:"ID"`
	Name        string `json:"NAME"`
	SubjectName string `json:"SUBJECT_NAME"`
}

// ListEmployees fetches all active portal users, page by page.
func (c *Client) ListEmployees(ctx context.Context) ([]Employee, error) {
	ctx, span := tracing.StartSpan(ctx, "BitrixClient.ListEmployees")
	defer span.End()

	var employees []Employee
	start := 0
	for {
		payload := map[string]any{
			"FILTER": map[string]string{"ACTIVE": "Y"},
			"SORT":   "ID",
			"ORDER":  "asc",
			"start":  start,
		}

		var page listResponse
		if err := c.call(ctx, "user.get", payload, &page); err != nil {
			return nil, fmt.Errorf("user.get failed: %w", err)
		}
		if len(page.Result) == 0 {
			break
		}

		for _, raw := range page.Result {
			var employee Employee
			if err := json.Unmarshal(raw, &employee); err != nil {
				c.logger.WithContext(ctx).WithError(err).Warn("skipping unparseable employee record")
				continue
			}
			employees = append(employees, employee)
		}

		if len(page.Result) < pageSize {
			break
		}
		start += pageSize

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pagePause):
		}
	}

	return employees, nil
}

// ListProjects fetches all active workgroups.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	ctx, span := tracing.StartSpan(ctx, "BitrixClient.ListProjects")
	defer span.End()

	payload := map[string]any{
		"FILTER": map[string]string{"ACTIVE": "Y"},
		"SORT":   "ID",
		"ORDER":  "asc",
	}

	var page listResponse
	if err := c.call(ctx, "sonet_group.get", payload, &page); err != nil {
		return nil, fmt.Errorf("sonet_group.get failed: %w", err)
	}

	projects := make([]Project, 0, len(page.Result))
	for _, raw := range page.Result {
		var project Project
		if err := json.Unmarshal(raw, &project); err != nil {
			c.logger.WithContext(ctx).WithError(err).Warn("skipping unparseable project record")
			continue
		}
		projects = append(projects, project)
	}
	return projects, nil
}

// TaskFields is the payload for tasks.task.add.
type TaskFields struct {
	Title         string
	Description   string
	ResponsibleID string
	CreatedBy     string
	GroupID       string
}

// CreateTask creates one task on the portal.
func (c *Client) CreateTask(ctx context.Context, task TaskFields) error {
	ctx, span := tracing.StartSpan(ctx, "BitrixClient.CreateTask")
	defer span.End()

	fields := map[string]any{
		"TITLE":          task.Title,
		"DESCRIPTION":    task.Description,
		"RESPONSIBLE_ID": task.ResponsibleID,
		"CREATED_BY":     task.CreatedBy,
	}
	if task.GroupID != "" {
		fields["GROUP_ID"] = task.GroupID
	}

	var result json.RawMessage
	if err := c.call(ctx, "tasks.task.add", map[string]any{"fields": fields}, &result); err != nil {
		return fmt.Errorf("tasks.task.add failed: %w", err)
	}
	return nil
}

// call posts one REST method with fixed-delay bounded retries.
func (c *Client) call(ctx context.Context, method string, payload any, dest any) error {
	url := strings.TrimRight(c.cfg.WebhookURL, "/") + "/" + method

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		resp, err := c.http.PostJSON(ctx, url, payload)
		if err == nil && httpclient.IsSuccessStatus(resp.StatusCode) {
			return httpclient.DecodeJSON(resp, dest)
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%s returned status %d", method, resp.StatusCode)
			if !httpclient.IsRetryableStatus(resp.StatusCode) {
				return lastErr
			}
		}

		if attempt < c.cfg.Attempts {
			c.logger.WithContext(ctx).WithError(lastErr).Warnf(
				"%s attempt %d/%d failed, retrying in %s", method, attempt, c.cfg.Attempts, c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}

	return lastErr
}

// Package health serves the liveness and readiness probes. Liveness only
// proves the process is responding; readiness also pings the backing stores,
// so a dead database pulls the replica out of rotation.
package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fiscalops/fleetwatch/pkg/database"
	"github.com/fiscalops/fleetwatch/pkg/redis"
)

const probeTimeout = 5 * time.Second

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Checker probes the stores fleetwatch depends on. The redis client may be
// nil; the check is skipped then.
type Checker struct {
	db        database.DB
	redis     *redis.Client
	version   string
	startTime time.Time
	ready     atomic.Bool
}

func NewChecker(db database.DB, redisClient *redis.Client, version string) *Checker {
	return &Checker{
		db:        db,
		redis:     redisClient,
		version:   version,
		startTime: time.Now(),
	}
}

// SetReady flips the readiness gate. The http-server dependency sets it true
// once startup finished and back to false when shutdown begins.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
}

func (c *Checker) IsReady() bool {
	return c.ready.Load()
}

func (c *Checker) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1/health")
	g.GET("", c.Health)
	g.GET("/live", c.Liveness)
	g.GET("/ready", c.Readiness)
}

// Liveness answers healthy as long as the process serves requests.
func (c *Checker) Liveness(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c.response(StatusHealthy, nil))
}

// Readiness reports unhealthy until SetReady(true) and whenever a backing
// store check fails.
func (c *Checker) Readiness(ctx echo.Context) error {
	if !c.IsReady() {
		resp := c.response(StatusUnhealthy, map[string]CheckResult{
			"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
		})
		return ctx.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.Health(ctx)
}

// Health runs every store check and reports per-check status and latency.
func (c *Checker) Health(ctx echo.Context) error {
	checks := map[string]CheckResult{
		"database": c.probe(ctx.Request().Context(), c.pingDatabase),
	}
	if c.redis != nil {
		checks["redis"] = c.probe(ctx.Request().Context(), c.redis.Ping)
	}

	status, code := StatusHealthy, http.StatusOK
	for _, check := range checks {
		if check.Status == StatusUnhealthy {
			status, code = StatusUnhealthy, http.StatusServiceUnavailable
			break
		}
	}

	return ctx.JSON(code, c.response(status, checks))
}

func (c *Checker) probe(ctx context.Context, ping func(context.Context) error) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	if err := ping(ctx); err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}

func (c *Checker) pingDatabase(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Checker) response(status Status, checks map[string]CheckResult) Response {
	return Response{
		Status:     status,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now(),
	}
}

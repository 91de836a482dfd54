package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/fiscalops/fleetwatch/internal/repositories"
	"github.com/fiscalops/fleetwatch/internal/repositories/device"
	"github.com/fiscalops/fleetwatch/internal/repositories/fntask"
	"github.com/fiscalops/fleetwatch/pkg/expiry"
)

// DescriptorRemover deletes a device's source descriptor so the next ingest
// cycle does not resurrect it. Nil when no FTP source is configured.
type DescriptorRemover interface {
	DeleteFile(ctx context.Context, serial string) error
}

// FiscalHandler serves the device fleet endpoints.
type FiscalHandler struct {
	devices *device.Repository
	fntasks *fntask.Repository
	remover DescriptorRemover
	logger  ectologger.Logger
}

func NewFiscalHandler(
	devices *device.Repository,
	fntasks *fntask.Repository,
	remover DescriptorRemover,
	logger ectologger.Logger,
) *FiscalHandler {
	return &FiscalHandler{devices: devices, fntasks: fntasks, remover: remover, logger: logger}
}

// RegisterRoutes registers fleet routes. admin routes go on the admin group.
func (h *FiscalHandler) RegisterRoutes(g *echo.Group, admin *echo.Group) {
	g.GET("/fiscals", h.List)
	g.GET("/fiscals/search", h.Search)
	g.GET("/fiscals/stale", h.Stale)
	g.GET("/fiscals/expiring", h.Expiring)
	g.GET("/fiscals/serials", h.Serials)
	g.GET("/fiscals/by-serials", h.BySerials)
	g.GET("/nonfiscals", h.ListNonFiscal)

	admin.DELETE("/fiscals/:serial", h.Delete)
	admin.PUT("/fiscals/:serial/task", h.FlagTask)
	admin.DELETE("/fiscals/:serial/task", h.UnflagTask)
}

// List returns every fiscal device with expiry annotations. A failed read
// degrades to an empty listing; clients render an empty fleet rather than an
// error page.
func (h *FiscalHandler) List(c echo.Context) error {
	listing, err := h.devices.ListFiscals(c.Request().Context())
	if err != nil {
		h.logger.WithContext(c.Request().Context()).WithError(err).Error("fiscal listing failed")
		listing = &device.Listing{Columns: []string{}, Records: []device.Record{}}
	}
	return SuccessResponse(c, listing)
}

// ListNonFiscal returns every non-fiscal record, degrading to an empty
// listing on a failed read.
func (h *FiscalHandler) ListNonFiscal(c echo.Context) error {
	listing, err := h.devices.ListNotFiscals(c.Request().Context())
	if err != nil {
		h.logger.WithContext(c.Request().Context()).WithError(err).Error("non-fiscal listing failed")
		listing = &device.Listing{Columns: []string{}, Records: []device.Record{}}
	}
	return SuccessResponse(c, listing)
}

// Search matches the query against every column of the fiscal table. A
// failed read degrades to an empty listing like List.
func (h *FiscalHandler) Search(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return BadRequest("missing query parameter q")
	}

	listing, err := h.devices.Search(c.Request().Context(), q)
	if err != nil {
		h.logger.WithContext(c.Request().Context()).WithError(err).Error("fiscal search failed")
		listing = &device.Listing{Columns: []string{}, Records: []device.Record{}}
	}
	return SuccessResponse(c, listing)
}

// Stale returns devices whose timestamp column fell behind by the given days.
func (h *FiscalHandler) Stale(c echo.Context) error {
	column := c.QueryParam("column")
	if column == "" {
		column = "v_time"
	}

	days := 1
	if raw := c.QueryParam("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return BadRequest("days must be a non-negative integer")
		}
		days = parsed
	}

	listing, err := h.devices.StaleSince(c.Request().Context(), column, days)
	if err != nil {
		if err == device.ErrUnknownColumn {
			return repositories.NotFound("column %q does not exist", column)
		}
		return err
	}
	return SuccessResponse(c, listing)
}

// Expiring reports devices whose fiscal storage ends within the range.
// Defaults to today through the end of next month.
func (h *FiscalHandler) Expiring(c echo.Context) error {
	start := c.QueryParam("start_date")
	end := c.QueryParam("end_date")
	if start == "" || end == "" {
		start, end = expiry.DefaultReportRange(timeNow())
	}

	includeMarked := c.QueryParam("include_marked") == "true"

	records, err := h.devices.ExpiringReport(c.Request().Context(), start, end, includeMarked)
	if err != nil {
		return err
	}
	return SuccessResponse(c, records)
}

// BySerials returns full rows for a comma-separated list of serials.
func (h *FiscalHandler) BySerials(c echo.Context) error {
	raw := c.QueryParam("serials")
	if raw == "" {
		return BadRequest("missing query parameter serials")
	}

	serials := make([]string, 0)
	for _, serial := range strings.Split(raw, ",") {
		if serial = strings.TrimSpace(serial); serial != "" {
			serials = append(serials, serial)
		}
	}

	records, err := h.devices.GetBySerials(c.Request().Context(), serials)
	if err != nil {
		return err
	}
	return SuccessResponse(c, records)
}

// Serials returns the serial directory, optionally joined with client data.
func (h *FiscalHandler) Serials(c echo.Context) error {
	extended := c.QueryParam("extended") == "true"

	entries, err := h.devices.SerialDirectory(c.Request().Context(), extended)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entries)
}

// Delete removes a device row and its source descriptor.
func (h *FiscalHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	serial, err := RequireParam(c, "serial")
	if err != nil {
		return err
	}

	deleted, err := h.devices.Delete(ctx, serial)
	if err != nil {
		return err
	}
	if !deleted {
		return repositories.NotFound("device %s not found", serial)
	}

	if h.remover != nil {
		if err := h.remover.DeleteFile(ctx, serial); err != nil {
			h.logger.WithContext(ctx).WithError(err).Warnf("descriptor cleanup failed for %s", serial)
		}
	}

	h.logger.WithContext(ctx).Infof("device %s deleted", serial)
	return NoContentResponse(c)
}

// FlagTask marks a device as already having a replacement task.
func (h *FiscalHandler) FlagTask(c echo.Context) error {
	serial, err := RequireParam(c, "serial")
	if err != nil {
		return err
	}

	var req struct {
		FNSerial string `json:"fn_serial"`
	}
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if err := h.fntasks.Toggle(c.Request().Context(), serial, req.FNSerial, true); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// UnflagTask clears the replacement task mark.
func (h *FiscalHandler) UnflagTask(c echo.Context) error {
	serial, err := RequireParam(c, "serial")
	if err != nil {
		return err
	}

	if err := h.fntasks.Toggle(c.Request().Context(), serial, "", false); err != nil {
		return err
	}
	return NoContentResponse(c)
}

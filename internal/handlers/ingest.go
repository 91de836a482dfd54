package handlers

import (
	"io"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/fiscalops/fleetwatch/internal/ingest"
	appctx "github.com/fiscalops/fleetwatch/pkg/context"
	"github.com/fiscalops/fleetwatch/pkg/httpclient"
)

// IngestHandler accepts pushed device descriptors.
type IngestHandler struct {
	pipeline *ingest.Pipeline
	logger   ectologger.Logger
}

func NewIngestHandler(pipeline *ingest.Pipeline, logger ectologger.Logger) *IngestHandler {
	return &IngestHandler{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers push-ingest routes on the api-key protected group.
func (h *IngestHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/ingest", h.Ingest)
	g.POST("/ingest/batch", h.IngestBatch)
}

// sourceName keys non-fiscal descriptors by the pushing agent.
func sourceName(c echo.Context) string {
	if name := c.QueryParam("name"); name != "" {
		return name
	}
	if keyName := appctx.GetAPIKeyName(c.Request().Context()); keyName != "" {
		return keyName
	}
	return "push-api"
}

// Ingest stores a single pushed descriptor.
func (h *IngestHandler) Ingest(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, httpclient.MaxRequestSize))
	if err != nil {
		return BadRequest("failed to read request body")
	}
	if len(raw) == 0 {
		return BadRequest("empty request body")
	}

	if err := h.pipeline.Ingest(c.Request().Context(), sourceName(c), raw); err != nil {
		return BadRequest(err.Error())
	}
	return NoContentResponse(c)
}

// IngestBatch stores a JSON array of descriptors.
func (h *IngestHandler) IngestBatch(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, httpclient.MaxRequestSize))
	if err != nil {
		return BadRequest("failed to read request body")
	}
	if len(raw) == 0 {
		return BadRequest("empty request body")
	}

	stored, err := h.pipeline.IngestBatch(c.Request().Context(), sourceName(c), raw)
	if err != nil {
		return BadRequest(err.Error())
	}
	return SuccessResponse(c, map[string]int{"stored": stored})
}

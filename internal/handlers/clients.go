package handlers

import (
	"net/url"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/fiscalops/fleetwatch/internal/repositories/client"
)

// ClientHandler serves the client installation directory.
type ClientHandler struct {
	clients *client.Repository
	logger  ectologger.Logger
}

func NewClientHandler(clients *client.Repository, logger ectologger.Logger) *ClientHandler {
	return &ClientHandler{clients: clients, logger: logger}
}

// RegisterRoutes registers client routes.
func (h *ClientHandler) RegisterRoutes(g *echo.Group, admin *echo.Group) {
	g.GET("/clients", h.List)
	admin.PUT("/clients/:endpoint/name", h.EditName)
}

// List returns all known clients.
func (h *ClientHandler) List(c echo.Context) error {
	clients, err := h.clients.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, clients)
}

type editNameRequest struct {
	Name string `json:"name" validate:"required,min=1,max=255"`
}

// EditName pins an operator-chosen display name for an endpoint. The
// endpoint path parameter is URL-encoded.
func (h *ClientHandler) EditName(c echo.Context) error {
	raw, err := RequireParam(c, "endpoint")
	if err != nil {
		return err
	}
	endpoint, err := url.PathUnescape(raw)
	if err != nil {
		return BadRequest("endpoint is not valid URL encoding")
	}

	var req editNameRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	if err := h.clients.EditServerName(c.Request().Context(), endpoint, req.Name); err != nil {
		return err
	}

	h.logger.WithContext(c.Request().Context()).Infof("server name for %q set to %q", endpoint, req.Name)
	return NoContentResponse(c)
}

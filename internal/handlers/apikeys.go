package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/fiscalops/fleetwatch/internal/repositories/apikey"
)

// APIKeyHandler manages push-agent credentials. All routes are admin-only.
type APIKeyHandler struct {
	keys   *apikey.Repository
	logger ectologger.Logger
}

func NewAPIKeyHandler(keys *apikey.Repository, logger ectologger.Logger) *APIKeyHandler {
	return &APIKeyHandler{keys: keys, logger: logger}
}

// RegisterRoutes registers key management routes on the admin group.
func (h *APIKeyHandler) RegisterRoutes(admin *echo.Group) {
	admin.POST("/apikeys", h.Create)
	admin.GET("/apikeys", h.List)
	admin.PUT("/apikeys/:key/active", h.SetActive)
}

type createKeyRequest struct {
	Name  string `json:"name" validate:"required,min=1,max=255"`
	Admin bool   `json:"admin"`
}

// Create issues a new key.
func (h *APIKeyHandler) Create(c echo.Context) error {
	var req createKeyRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	key, err := h.keys.Create(c.Request().Context(), req.Name, req.Admin)
	if err != nil {
		return err
	}

	h.logger.WithContext(c.Request().Context()).Infof("api key issued for %q", req.Name)
	return CreatedResponse(c, key)
}

// List returns active keys, or all keys with ?all=true.
func (h *APIKeyHandler) List(c echo.Context) error {
	includeInactive := c.QueryParam("all") == "true"

	keys, err := h.keys.List(c.Request().Context(), includeInactive)
	if err != nil {
		return err
	}
	return SuccessResponse(c, keys)
}

type setActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// SetActive flips a key's active flag. Keys are never deleted.
func (h *APIKeyHandler) SetActive(c echo.Context) error {
	key, err := RequireParam(c, "key")
	if err != nil {
		return err
	}

	var req setActiveRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}

	if err := h.keys.SetActive(c.Request().Context(), key, *req.Active); err != nil {
		return err
	}
	return NoContentResponse(c)
}

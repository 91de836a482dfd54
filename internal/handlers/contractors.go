package handlers

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/fiscalops/fleetwatch/internal/repositories/contractor"
)

// ContractorHandler manages the Bitrix24 task addressing selection.
type ContractorHandler struct {
	contractors *contractor.Repository
	logger      ectologger.Logger
}

func NewContractorHandler(contractors *contractor.Repository, logger ectologger.Logger) *ContractorHandler {
	return &ContractorHandler{contractors: contractors, logger: logger}
}

// RegisterRoutes registers contractor routes on the admin group.
func (h *ContractorHandler) RegisterRoutes(admin *echo.Group) {
	admin.GET("/bitrix/contractors", h.List)
	admin.PUT("/bitrix/contractors", h.Select)
}

// List returns the synced employee and project directories with their
// current selection flags.
func (h *ContractorHandler) List(c echo.Context) error {
	dir, err := h.contractors.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, dir)
}

type selectContractorsRequest struct {
	ResponsibleID string `json:"responsible_id"`
	ObserversID   string `json:"observers_id"`
}

// Select marks the responsible employee and observer group for task creation.
func (h *ContractorHandler) Select(c echo.Context) error {
	var req selectContractorsRequest
	if err := BindAndValidate(c, &req); err != nil {
		return err
	}
	if req.ResponsibleID == "" && req.ObserversID == "" {
		return BadRequest("at least one of responsible_id or observers_id is required")
	}

	if err := h.contractors.Select(c.Request().Context(), req.ResponsibleID, req.ObserversID); err != nil {
		return err
	}

	h.logger.WithContext(c.Request().Context()).Infof(
		"contractor selection updated, responsible=%q observers=%q", req.ResponsibleID, req.ObserversID)
	return NoContentResponse(c)
}

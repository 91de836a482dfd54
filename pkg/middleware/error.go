package middleware

import (
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/fiscalops/fleetwatch/pkg/context"
	"github.com/fiscalops/fleetwatch/pkg/tracing"
	"github.com/labstack/echo/v4"
)

// ErrorResponse is the JSON body every failed request gets. RequestID and
// TraceID let operators find the matching log lines and spans.
type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// Error is the echo HTTPErrorHandler. It understands both echo's own errors
// and httperror values raised by the handlers; anything else becomes a 500
// without leaking the internal message.
func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		logger.WithContext(ctx).WithError(err).Error("request failed")
		if c.Response().Committed {
			return
		}

		code, message, meta := classify(err)

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

func classify(err error) (int, string, map[string]any) {
	if httperror.IsHTTPError(err) {
		httperr := httperror.ToHTTPError(err)
		return httperror.GetStatusCode(err), httperr.Error(), httperr.Meta
	}

	if he, ok := err.(*echo.HTTPError); ok {
		message := fmt.Sprintf("%v", he.Message)
		return he.Code, message, map[string]any{}
	}

	return http.StatusInternalServerError, "Internal Server Error", map[string]any{}
}

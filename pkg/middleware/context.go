package middleware

import (
	"github.com/fiscalops/fleetwatch/pkg/context"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Context copies request metadata into the request context so repositories
// and jobs deeper in the call chain can log it without touching echo. The
// request id is taken from the X-Request-ID header when the caller sent one,
// and minted otherwise; it is echoed back on the response.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			ctx = context.SetReferer(ctx, req.Referer())
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

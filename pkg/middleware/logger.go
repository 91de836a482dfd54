package middleware

import (
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/fiscalops/fleetwatch/pkg/context"
	"github.com/labstack/echo/v4"
)

// Logger writes one structured line per request after the handler returns,
// pulling the identity fields the Context and APIKey middleware stored.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			res := c.Response()
			start := time.Now()
			if err = next(c); err != nil {
				c.Error(err)
			}

			stop := time.Now()

			ctx := c.Request().Context()
			logger.WithContext(ctx).WithFields(map[string]interface{}{
				"request_id":    context.GetRequestID(ctx),
				"method":        context.GetMethod(ctx),
				"uri":           req.RequestURI,
				"status":        res.Status,
				"referer":       context.GetReferer(ctx),
				"route":         context.GetRoute(ctx),
				"remote_ip":     context.GetRemoteIP(ctx),
				"protocol":      req.Proto,
				"host":          req.Host,
				"user_agent":    req.UserAgent(),
				"api_key_name":  context.GetAPIKeyName(ctx),
				"admin":         context.GetAdminKey(ctx),
				"start_time":    start,
				"stop_time":     stop,
				"response_time": stop.Sub(start),
				"request_size":  req.Header.Get(echo.HeaderContentLength),
				"response_size": strconv.FormatInt(res.Size, 10),
			}).Info("request")

			return nil
		}
	}
}

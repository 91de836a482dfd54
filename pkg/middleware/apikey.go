package middleware

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	appctx "github.com/fiscalops/fleetwatch/pkg/context"
	"github.com/labstack/echo/v4"
)

const HeaderAPIKey = "X-Api-Key"

// KeyVerifier resolves a raw key to its record. It returns found=false for
// unknown keys without an error.
type KeyVerifier interface {
	Verify(ctx context.Context, key string) (name string, admin bool, found bool, err error)
}

// APIKey authenticates requests against the key directory. When adminOnly is
// set, non-admin keys are rejected with 403.
func APIKey(verifier KeyVerifier, logger ectologger.Logger, adminOnly bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()

			key := req.Header.Get(HeaderAPIKey)
			if key == "" {
				key = c.QueryParam("api_key")
			}
			if key == "" {
				return httperror.NewHTTPError(http.StatusUnauthorized, "missing api key")
			}

			name, admin, found, err := verifier.Verify(ctx, key)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Error("failed to verify api key")
				return httperror.NewHTTPError(http.StatusInternalServerError, "failed to verify api key")
			}
			if !found {
				return httperror.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			if adminOnly && !admin {
				return httperror.NewHTTPError(http.StatusForbidden, "admin key required")
			}

			ctx = appctx.SetAPIKeyName(ctx, name)
			ctx = appctx.SetAdminKey(ctx, admin)
			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

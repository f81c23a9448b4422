package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
)

const tenantParam = "tenantId"

func adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context claims")
		}
		if claims.IsAdmin {
			return next(ctx)
		}
		return errHttpForbidden
	}
}

// tenantMiddleware only lets through tokens bound to the tenant in the path (or admin tokens).
func tenantMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		claims, err := getContextClaims(ctx)
		if err != nil {
			return errors.Wrap(err, "getting context claims")
		}
		if claims.CanActFor(core.CleanString(ctx.Param(tenantParam))) {
			return next(ctx)
		}
		return errHttpForbidden
	}
}

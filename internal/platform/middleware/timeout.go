package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhircache/internal/platform/fhir"
)

// RequestTimeout puts a deadline on the request context. Handlers and the
// remote client observe it; if it expires before anything was written the
// request is answered with 504 and a timeout OperationOutcome. Paths for
// which skip returns true get no deadline.
func RequestTimeout(timeout time.Duration, skip func(path string) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || (skip != nil && skip(c.Request().URL.Path)) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout,
					fhir.TimeoutOutcome("request processing exceeded the allowed time limit"))
			}
			return err
		}
	}
}

package activity

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Middleware records every request that mutates or searches patients. Health,
// metrics and activity requests are not recorded.
func Middleware(rec Recorder, skip func(path string) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if skip != nil && skip(path) {
				return next(c)
			}
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			rid, _ := c.Get("request_id").(string)
			e := Event{
				Kind:       KindRequest,
				Method:     c.Request().Method,
				Target:     path,
				Status:     status,
				DurationMs: time.Since(start).Milliseconds(),
				RequestID:  rid,
			}
			if err != nil {
				e.Message = err.Error()
			}
			rec.Record(e)
			return err
		}
	}
}

package api

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// CorrelationIDHeader is the header clients may set to propagate a
// correlation id across service calls; when absent, one is minted.
const CorrelationIDHeader = "X-Correlation-ID"

const correlationContextKey = "midas-correlation-id"

// CorrelationFrom returns the correlation id attached to the request by
// CorrelationMiddleware, or "" if the middleware did not run.
func CorrelationFrom(c echo.Context) string {
	id, _ := c.Get(correlationContextKey).(string)
	return id
}

// CorrelationMiddleware attaches a request-scoped correlation id to the
// request context and echoes it back on the response.  The middleware
// itself logs nothing; log lines that include the id read it back with
// CorrelationFrom.
func CorrelationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(CorrelationIDHeader)
			if id == "" {
				id = fmt.Sprintf("req-%s", uuid.New().String()[:8])
			}
			c.Set(correlationContextKey, id)
			c.Response().Header().Set(CorrelationIDHeader, id)
			return next(c)
		}
	}
}

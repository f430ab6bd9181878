package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func correlationTestServer() *echo.Echo {
	e := echo.New()
	e.Use(CorrelationMiddleware())
	e.GET("/probe", func(c echo.Context) error {
		return c.String(http.StatusOK, CorrelationFrom(c))
	})
	return e
}

func TestCorrelationMiddlewareGeneratesID(t *testing.T) {
	e := correlationTestServer()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Body.String()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationMiddlewarePropagatesIncoming(t *testing.T) {
	e := correlationTestServer()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set(CorrelationIDHeader, "caller-supplied-id")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "caller-supplied-id", rec.Body.String())
	assert.Equal(t, "caller-supplied-id", rec.Header().Get(CorrelationIDHeader))
}

func TestCorrelationFromWithoutMiddleware(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	assert.Equal(t, "", CorrelationFrom(c))
}

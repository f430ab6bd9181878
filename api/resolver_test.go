package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midas.oar.dev/describe"
	"midas.oar.dev/resolve"
)

type cannedSource struct {
	records map[string]map[string]interface{}
}

func (s *cannedSource) Describe(id, version string) (map[string]interface{}, error) {
	if doc, ok := s.records[id]; ok {
		return doc, nil
	}
	return nil, &describe.IDNotFoundError{ID: id}
}

func newResolverApp() *echo.Echo {
	src := &cannedSource{records: map[string]map[string]interface{}{
		"ark:/88434/mds2-1234": {
			"@id":   "ark:/88434/mds2-1234",
			"title": "Measured Things",
			"releaseHistory": map[string]interface{}{
				"hasRelease": []interface{}{
					map[string]interface{}{"version": "1.0.0"},
				},
			},
		},
	}}
	src.records["ark:/88434/mds2-1234/pdr:v"] = src.records["ark:/88434/mds2-1234"]
	resolver := resolve.NewResolver(resolve.Config{}, src, nil)
	e := echo.New()
	SetupResolverRoutes(e, NewResolverHandlers(resolver, nil))
	return e
}

func TestResolveIDRoute(t *testing.T) {
	e := newResolverApp()

	req := httptest.NewRequest(http.MethodGet, "/id/ark:/88434/mds2-1234", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/json")
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "Measured Things", doc["title"])
}

func TestResolveIDReleaseHistoryRoute(t *testing.T) {
	e := newResolverApp()

	req := httptest.NewRequest(http.MethodGet, "/id/ark:/88434/mds2-1234/pdr:v", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "ark:/88434/mds2-1234/pdr:v", doc["@id"])
	assert.NotContains(t, doc, "components")
}

func TestResolveIDNegotiationFailure(t *testing.T) {
	e := newResolverApp()

	req := httptest.NewRequest(http.MethodGet, "/id/ark:/88434/mds2-1234/pdr:v?format=html", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	// the release-history handler only produces JSON
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/id/ark:/88434/mds2-1234?format=html", nil)
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)
}

func TestResolveIDNotFound(t *testing.T) {
	e := newResolverApp()

	req := httptest.NewRequest(http.MethodGet, "/id/ark:/88434/mds2-9999", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

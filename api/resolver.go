package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"midas.oar.dev/resolve"
)

// ResolverHandlers routes public identifier-resolution requests.  The
// resolver read path takes no authentication.
type ResolverHandlers struct {
	resolver *resolve.Resolver
	aip      *resolve.AIPResolver
}

// NewResolverHandlers creates the handlers.  aip may be nil when no
// distribution service is configured.
func NewResolverHandlers(resolver *resolve.Resolver, aip *resolve.AIPResolver) *ResolverHandlers {
	return &ResolverHandlers{resolver: resolver, aip: aip}
}

// SetupResolverRoutes registers the /id/ and /aip/ read paths.
func SetupResolverRoutes(e *echo.Echo, h *ResolverHandlers) {
	e.GET("/id/*", h.ResolveID)
	if h.aip != nil {
		e.GET("/aip/*", h.ResolveAIP)
	}
}

// ResolveID resolves a PDR identifier with content negotiation.
func (h *ResolverHandlers) ResolveID(c echo.Context) error {
	path := strings.TrimPrefix(c.Param("*"), "/")
	if path == "" {
		return badRequest(c, "no identifier provided")
	}
	result, err := h.resolver.Resolve(path, c.QueryParams()["format"],
		c.Request().Header.Get("Accept"))
	if err != nil {
		return resolveError(c, err)
	}
	return sendResult(c, result)
}

// ResolveAIP resolves an AIP distribution identifier.
func (h *ResolverHandlers) ResolveAIP(c echo.Context) error {
	path := strings.TrimPrefix(c.Param("*"), "/")
	if path == "" {
		return badRequest(c, "no AIP identifier provided")
	}
	result, err := h.aip.Resolve(path, c.QueryParams()["format"],
		c.Request().Header.Get("Accept"))
	if err != nil {
		return resolveError(c, err)
	}
	return sendResult(c, result)
}

func sendResult(c echo.Context, result *resolve.Result) error {
	if result.RedirectURL != "" {
		return c.Redirect(result.Status, result.RedirectURL)
	}
	return c.Blob(result.Status, result.ContentType, result.Body)
}

func resolveError(c echo.Context, err error) error {
	code := resolve.HTTPStatusFor(err)
	return c.JSON(code, ErrorResponse{
		Code:    code,
		Reason:  http.StatusText(code),
		Message: err.Error(),
	})
}

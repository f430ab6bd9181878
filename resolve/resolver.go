package resolve

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"midas.oar.dev/common"
	"midas.oar.dev/describe"
)

// Well-known format names.
const (
	FormatJSON = "nerdm"
	FormatHTML = "html"
	FormatText = "text"
)

// MetadataSource supplies NERDm records; the hybrid describe client (or
// its caching wrapper) satisfies it.
type MetadataSource interface {
	Describe(id, version string) (map[string]interface{}, error)
}

// ReadmeGenerator renders a dataset's text representation.  The production
// generator is an external service; the default produces a plain summary.
type ReadmeGenerator interface {
	Generate(nerdm map[string]interface{}) (string, error)
}

type defaultReadme struct{}

func (defaultReadme) Generate(nerdm map[string]interface{}) (string, error) {
	var b strings.Builder
	if title, ok := nerdm["title"].(string); ok {
		fmt.Fprintf(&b, "%s\n\n", title)
	}
	if atid, ok := nerdm["@id"].(string); ok {
		fmt.Fprintf(&b, "Identifier: %s\n", atid)
	}
	if vers, ok := nerdm["version"].(string); ok {
		fmt.Fprintf(&b, "Version: %s\n", vers)
	}
	if desc, ok := nerdm["description"].([]interface{}); ok {
		for _, d := range desc {
			if s, ok := d.(string); ok {
				fmt.Fprintf(&b, "\n%s\n", s)
			}
		}
	}
	return b.String(), nil
}

// Result is the outcome of a resolution: either a body to serve or a
// redirect to follow.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	RedirectURL string
}

// Config carries the resolver's configuration.
type Config struct {
	// DefaultNAAN qualifies short-form identifiers.
	DefaultNAAN string

	// BaseURL is this resolver's public base, used to build redirect URLs
	// for components with ARK identifiers.
	BaseURL string
}

// Resolver maps PDR identifiers to representations of the identified
// entities.  It is a read-only path: it never mutates record state.
type Resolver struct {
	cfg    Config
	source MetadataSource
	readme ReadmeGenerator
	log    *logrus.Entry

	dsFormats   *FormatSupport
	jsonFormats *FormatSupport
}

// NewResolver creates a resolver over the given metadata source.  readme
// may be nil to use the built-in plain-text summary.
func NewResolver(cfg Config, source MetadataSource, readme ReadmeGenerator) *Resolver {
	if cfg.DefaultNAAN == "" {
		cfg.DefaultNAAN = "88434"
	}
	if readme == nil {
		readme = defaultReadme{}
	}

	ds := NewFormatSupport()
	ds.Support(FormatJSON, []string{"application/json", "application/ld+json", "text/json"}, true)
	ds.Support(FormatHTML, []string{"text/html", "application/html", "application/xhtml", "application/xhtml+xml"}, false)
	ds.Support(FormatText, []string{"text/plain"}, false)

	jsonOnly := NewFormatSupport()
	jsonOnly.Support(FormatJSON, []string{"application/json", "application/ld+json", "text/json"}, true)

	return &Resolver{
		cfg:         cfg,
		source:      source,
		readme:      readme,
		log:         common.Logger.WithField("service", "resolver"),
		dsFormats:   ds,
		jsonFormats: jsonOnly,
	}
}

// Resolve parses the identifier path and renders the requested view.
// formats is the ordered multi-valued "format" query parameter; accept is
// the raw Accept header.
func (r *Resolver) Resolve(path string, formats []string, accept string) (*Result, error) {
	id := ParsePDRID(path)
	if id == nil {
		return nil, &describe.IDNotFoundError{ID: path}
	}
	accepts := OrderAccepts(accept)

	switch id.Form {
	case FormResource, FormVersion:
		return r.resolveDataset(id, formats, accepts)
	case FormRelHistory:
		return r.resolveReleaseHistory(id, formats, accepts)
	case FormComponent:
		return r.resolveComponent(id, formats, accepts)
	case FormComponents:
		return r.resolveComponentList(id, formats, accepts)
	}
	return nil, &describe.IDNotFoundError{ID: path}
}

// resolveDataset returns the NERDm resource, optionally in a specific
// version, negotiated across JSON, HTML, and text.
func (r *Resolver) resolveDataset(id *PDRID, formats, accepts []string) (*Result, error) {
	format, err := r.dsFormats.Select(formats, accepts)
	if err != nil {
		return nil, err
	}
	lookup := id.ARKID(r.cfg.DefaultNAAN)
	if id.Version != "" {
		lookup += VersionExt + "/" + id.Version
	}
	nerdm, err := r.source.Describe(lookup, id.Version)
	if err != nil {
		return nil, err
	}

	switch format.Name {
	case FormatJSON:
		return jsonResult(nerdm, format.ContentType)
	case FormatText:
		text, err := r.readme.Generate(nerdm)
		if err != nil {
			return nil, err
		}
		return &Result{Status: http.StatusOK, ContentType: format.ContentType, Body: []byte(text)}, nil
	case FormatHTML:
		return htmlResult(nerdm, format.ContentType)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format.Name)
}

// VersionExt is the version-form identifier suffix.
const VersionExt = "/pdr:v"

// resolveReleaseHistory returns the release-history view of the resource:
// the resource minus components, typed as a ReleaseHistory.
func (r *Resolver) resolveReleaseHistory(id *PDRID, formats, accepts []string) (*Result, error) {
	format, err := r.jsonFormats.Select(formats, accepts)
	if err != nil {
		return nil, err
	}
	nerdm, err := r.source.Describe(id.ARKID(r.cfg.DefaultNAAN)+VersionExt, "")
	if err != nil {
		return nil, err
	}
	if !hasType(nerdm, "ReleaseHistory") {
		nerdm = describe.ReleaseHistoryFor(nerdm)
	}
	return jsonResult(nerdm, format.ContentType)
}

func hasType(doc map[string]interface{}, label string) bool {
	types, _ := doc["@type"].([]interface{})
	for _, t := range types {
		if s, ok := t.(string); ok && strings.Contains(s, label) {
			return true
		}
	}
	return false
}

// resolveComponent returns the component record addressed by the filepath.
// An included resource that the client will not take as JSON is redirected
// to its own resolver URL (for ARK-identified components) or its embedded
// location.
func (r *Resolver) resolveComponent(id *PDRID, formats, accepts []string) (*Result, error) {
	lookup := id.ARKID(r.cfg.DefaultNAAN)
	if id.Version != "" {
		lookup += VersionExt + "/" + id.Version
	}
	resource, err := r.source.Describe(lookup, id.Version)
	if err != nil {
		return nil, err
	}
	comp, err := describe.ExtractComponent(resource, id.CompPath)
	if err != nil {
		return nil, err
	}

	if hasType(comp, "IncludedResource") {
		format, serr := r.jsonFormats.Select(formats, accepts)
		if serr == nil {
			return jsonResult(comp, format.ContentType)
		}
		if redirect := r.componentRedirect(comp); redirect != "" {
			return &Result{Status: http.StatusFound, RedirectURL: redirect}, nil
		}
		return nil, serr
	}

	format, err := r.jsonFormats.Select(formats, accepts)
	if err != nil {
		return nil, err
	}
	return jsonResult(comp, format.ContentType)
}

// componentRedirect picks the redirect target for an included resource:
// its resolver URL when it has an ARK id, else its embedded location.
func (r *Resolver) componentRedirect(comp map[string]interface{}) string {
	if pid, ok := comp["proxyFor"].(string); ok && strings.HasPrefix(pid, "ark:") {
		return strings.TrimSuffix(r.cfg.BaseURL, "/") + "/id/" + pid
	}
	if atid, ok := comp["@id"].(string); ok && strings.HasPrefix(atid, "ark:") {
		return strings.TrimSuffix(r.cfg.BaseURL, "/") + "/id/" + atid
	}
	if loc, ok := comp["location"].(string); ok {
		return loc
	}
	return ""
}

// resolveComponentList returns the resource's component list.
func (r *Resolver) resolveComponentList(id *PDRID, formats, accepts []string) (*Result, error) {
	format, err := r.jsonFormats.Select(formats, accepts)
	if err != nil {
		return nil, err
	}
	lookup := id.ARKID(r.cfg.DefaultNAAN)
	if id.Version != "" {
		lookup += VersionExt + "/" + id.Version
	}
	nerdm, err := r.source.Describe(lookup, id.Version)
	if err != nil {
		return nil, err
	}
	comps, _ := nerdm["components"].([]interface{})
	out := map[string]interface{}{
		"@id":        nerdm["@id"],
		"components": comps,
	}
	return jsonResult(out, format.ContentType)
}

func jsonResult(doc interface{}, ctype string) (*Result, error) {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render JSON response: %w", err)
	}
	return &Result{Status: http.StatusOK, ContentType: ctype, Body: raw}, nil
}

// htmlResult renders a minimal landing view of the resource.  The full
// landing-page service lives elsewhere; this rendering serves resolver
// clients that ask for HTML directly.
func htmlResult(nerdm map[string]interface{}, ctype string) (*Result, error) {
	title, _ := nerdm["title"].(string)
	atid, _ := nerdm["@id"].(string)
	vers, _ := nerdm["version"].(string)
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "<p>Identifier: %s</p>\n", html.EscapeString(atid))
	if vers != "" {
		fmt.Fprintf(&b, "<p>Version: %s</p>\n", html.EscapeString(vers))
	}
	b.WriteString("</body>\n</html>\n")
	return &Result{Status: http.StatusOK, ContentType: ctype, Body: []byte(b.String())}, nil
}

// HTTPStatusFor maps resolution errors onto HTTP status codes.
func HTTPStatusFor(err error) int {
	var upstream *describe.UpstreamError
	switch {
	case errors.Is(err, describe.ErrIDNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnacceptable):
		return http.StatusNotAcceptable
	case errors.Is(err, ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

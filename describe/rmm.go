// Package describe provides clients for retrieving public NERDm metadata
// about PDR resources.  The primary source is the remote Resource Metadata
// Manager (RMM); a local file cache (the "alt-big" cache) holds the full
// form of records too large for the RMM's document store.  The hybrid
// client coordinates the two, and an optional redis cache fronts resolved
// records.
package describe

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrIDNotFound indicates the requested identifier is unknown to the
// metadata services.
var ErrIDNotFound = errors.New("identifier not found")

// IDNotFoundError carries the identifier that could not be resolved.
type IDNotFoundError struct {
	ID string
}

func (e *IDNotFoundError) Error() string { return "identifier not found: " + e.ID }
func (e *IDNotFoundError) Unwrap() error { return ErrIDNotFound }

// UpstreamError indicates a failure of the remote metadata service.
type UpstreamError struct {
	Resource string
	Code     int
	Reason   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("metadata service error on %s: %d %s", e.Resource, e.Code, e.Reason)
}

// RMM service collections.
const (
	collLatest   = "records"
	collVersions = "versions"
	collReleases = "releaseSets"
)

// VersionExtension is the identifier suffix introducing release-history
// and version-specific forms.
const VersionExtension = "/pdr:v"

// RMMClient retrieves NERDm metadata from a remote RMM service.
type RMMClient struct {
	baseURL string
	client  *http.Client
}

// NewRMMClient creates a client for the RMM service at the given base URL.
func NewRMMClient(baseURL string, timeout time.Duration) *RMMClient {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &RMMClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Describe returns the NERDm metadata for the identified entity: a
// dataset, a version of one, or a release history.  An id already carrying
// a /pdr:v qualifier determines the form; otherwise a non-empty version
// selects that version.
func (c *RMMClient) Describe(id, version string) (map[string]interface{}, error) {
	if isEDIID(id) {
		return c.describeEDIID(id, version)
	}
	base, ver, isReleases := splitVersionExt(id)
	if isReleases && ver == "" {
		return c.describeReleases(base)
	}
	if ver == "" && version != "" && version != "latest" {
		ver = version
	}
	if ver != "" {
		return c.describeVersion(base, ver)
	}
	return c.describeLatest(base)
}

// splitVersionExt separates an identifier from a trailing /pdr:v or
// /pdr:v/VER qualifier.
func splitVersionExt(id string) (base, version string, hasExt bool) {
	i := strings.Index(id, VersionExtension)
	if i < 0 {
		return id, "", false
	}
	base = id[:i]
	rest := strings.TrimPrefix(id[i+len(VersionExtension):], "/")
	return base, rest, true
}

func isEDIID(id string) bool {
	return !strings.HasPrefix(id, "ark:") && len(id) > 30
}

func (c *RMMClient) describeLatest(id string) (map[string]interface{}, error) {
	return c.getRecord(c.baseURL+collLatest+"?@id="+url.QueryEscape(id), id)
}

func (c *RMMClient) describeVersion(id, version string) (map[string]interface{}, error) {
	full := id + VersionExtension + "/" + version
	return c.getRecord(c.baseURL+collVersions+"?@id="+url.QueryEscape(full), full)
}

func (c *RMMClient) describeReleases(id string) (map[string]interface{}, error) {
	full := id + VersionExtension
	return c.getRecord(c.baseURL+collReleases+"?@id="+url.QueryEscape(full), full)
}

func (c *RMMClient) describeEDIID(ediid, version string) (map[string]interface{}, error) {
	var u string
	if version != "" && version != "latest" {
		u = fmt.Sprintf("%s%s?version=%s&ediid=%s", c.baseURL, collVersions,
			url.QueryEscape(version), url.QueryEscape(ediid))
	} else {
		u = c.baseURL + collLatest + "?ediid=" + url.QueryEscape(ediid)
	}
	return c.getRecord(u, ediid)
}

// Search returns the NERDm records matching the given query parameters.
// All records are returned when query is empty; latest selects only the
// latest version of each resource.
func (c *RMMClient) Search(query map[string]string, latest bool) ([]map[string]interface{}, error) {
	coll := collLatest
	if !latest {
		coll = collVersions
	}
	params := url.Values{}
	for k, v := range query {
		params.Set(k, v)
	}
	u := c.baseURL + coll
	if encoded := params.Encode(); encoded != "" {
		u += "?" + encoded
	}
	body, err := c.retrieve(u)
	if err != nil {
		return nil, err
	}
	env := struct {
		ResultData []map[string]interface{} `json:"ResultData"`
	}{}
	if err := json.Unmarshal(body, &env); err == nil && env.ResultData != nil {
		return env.ResultData, nil
	}
	var list []map[string]interface{}
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("unparseable search response from %s: %w", u, err)
	}
	return list, nil
}

// getRecord fetches a single record, unwrapping the RMM's result envelope
// when present.
func (c *RMMClient) getRecord(u, id string) (map[string]interface{}, error) {
	body, err := c.retrieve(u)
	if err != nil {
		return nil, err
	}
	env := struct {
		ResultCount int                      `json:"ResultCount"`
		ResultData  []map[string]interface{} `json:"ResultData"`
	}{ResultCount: -1}
	if err := json.Unmarshal(body, &env); err == nil && env.ResultCount >= 0 {
		if env.ResultCount == 0 || len(env.ResultData) == 0 {
			return nil, &IDNotFoundError{ID: id}
		}
		return env.ResultData[0], nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("unparseable record response from %s: %w", u, err)
	}
	if len(doc) == 0 {
		return nil, &IDNotFoundError{ID: id}
	}
	return doc, nil
}

func (c *RMMClient) retrieve(u string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build RMM request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Resource: u, Code: 0, Reason: err.Error()}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &IDNotFoundError{ID: u}
	case resp.StatusCode >= 400:
		return nil, &UpstreamError{Resource: u, Code: resp.StatusCode, Reason: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{Resource: u, Code: resp.StatusCode, Reason: err.Error()}
	}
	return body, nil
}

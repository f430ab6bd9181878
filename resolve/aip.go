package resolve

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"midas.oar.dev/describe"
)

// DistributionService answers questions about the preserved (AIP) form of
// a published dataset: its serialized bags, head bags, and versions.  The
// production implementation fronts the PDR distribution service.
type DistributionService interface {
	// ListBags returns the distribution records for all bags of the AIP.
	ListBags(aipid string) ([]map[string]interface{}, error)

	// ListVersions returns the versions the AIP has been published as.
	ListVersions(aipid string) ([]string, error)

	// DescribeHeadBag returns the distribution record of the head bag for
	// a version ("" selects the latest).
	DescribeHeadBag(aipid, version string) (map[string]interface{}, error)

	// HeadBagMemberBags returns the names of the bags that make up the
	// given version, read from the head bag's multibag manifest.
	HeadBagMemberBags(aipid, version string) ([]string, error)
}

// AIPResolver maps AIP identifier paths (…/pdr:d, …/pdr:h, …/pdr:v forms)
// to distribution metadata.
type AIPResolver struct {
	svc     DistributionService
	formats *FormatSupport
}

// NewAIPResolver creates an AIP resolver over the given distribution
// service.
func NewAIPResolver(svc DistributionService) *AIPResolver {
	jsonOnly := NewFormatSupport()
	jsonOnly.Support(FormatJSON, []string{"application/json", "text/json"}, true)
	return &AIPResolver{svc: svc, formats: jsonOnly}
}

var aipPathRe = regexp.MustCompile(`^([\w\-.]+)(/.*)?$`)

// Resolve handles an AIP identifier path of the form
// <aipid>[/pdr:v[/VER[/pdr:d|/pdr:h]]|/pdr:d|/pdr:h].
func (r *AIPResolver) Resolve(path string, formats []string, accept string) (*Result, error) {
	m := aipPathRe.FindStringSubmatch(strings.TrimSuffix(path, "/"))
	if m == nil {
		return nil, &describe.IDNotFoundError{ID: path}
	}
	aipid, rest := m[1], m[2]

	format, err := r.formats.Select(formats, OrderAccepts(accept))
	if err != nil {
		return nil, err
	}

	doc, err := r.dispatch(aipid, rest)
	if err != nil {
		return nil, err
	}
	return jsonResult(doc, format.ContentType)
}

func (r *AIPResolver) dispatch(aipid, rest string) (interface{}, error) {
	switch {
	case rest == "":
		return r.describeAIP(aipid)
	case rest == "/pdr:d":
		return r.svc.ListBags(aipid)
	case rest == "/pdr:h":
		return r.svc.DescribeHeadBag(aipid, "")
	case rest == "/pdr:v":
		return r.svc.ListVersions(aipid)
	}

	if strings.HasPrefix(rest, "/pdr:v/") {
		sub := strings.TrimPrefix(rest, "/pdr:v/")
		parts := strings.SplitN(sub, "/", 2)
		version := parts[0]
		if len(parts) == 1 {
			return r.describeVersion(aipid, version)
		}
		switch parts[1] {
		case "pdr:d":
			return r.listVersionBags(aipid, version)
		case "pdr:h":
			return r.svc.DescribeHeadBag(aipid, version)
		}
	}
	return nil, &describe.IDNotFoundError{ID: aipid + rest}
}

func (r *AIPResolver) describeAIP(aipid string) (interface{}, error) {
	versions, err := r.svc.ListVersions(aipid)
	if err != nil {
		return nil, err
	}
	head, err := r.svc.DescribeHeadBag(aipid, "")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"aipid":    aipid,
		"versions": versions,
		"headBag":  head,
	}, nil
}

func (r *AIPResolver) describeVersion(aipid, version string) (interface{}, error) {
	head, err := r.svc.DescribeHeadBag(aipid, version)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"aipid":   aipid,
		"version": version,
		"headBag": head,
	}, nil
}

// listVersionBags filters the AIP's full distribution list down to the
// members that participate in the requested version, as enumerated by the
// head bag's multibag manifest.
func (r *AIPResolver) listVersionBags(aipid, version string) (interface{}, error) {
	all, err := r.svc.ListBags(aipid)
	if err != nil {
		return nil, err
	}
	members, err := r.svc.HeadBagMemberBags(aipid, version)
	if err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, name := range members {
		want[name] = true
	}
	var out []map[string]interface{}
	for _, bag := range all {
		if name, ok := bag["name"].(string); ok && want[stripBagExt(name)] {
			out = append(out, bag)
		}
	}
	return out, nil
}

func stripBagExt(name string) string {
	for _, ext := range []string{".zip", ".tar.gz", ".tgz", ".7z"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}

// DistribClient is the HTTP implementation of DistributionService against
// the PDR distribution service.
type DistribClient struct {
	baseURL string
	client  *http.Client
}

// NewDistribClient creates a client for the distribution service at the
// given base URL.
func NewDistribClient(baseURL string, timeout time.Duration) *DistribClient {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &DistribClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *DistribClient) get(path string, dest interface{}) error {
	u := c.baseURL + path
	resp, err := c.client.Get(u)
	if err != nil {
		return &describe.UpstreamError{Resource: u, Code: 0, Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return &describe.IDNotFoundError{ID: u}
	}
	if resp.StatusCode >= 400 {
		return &describe.UpstreamError{Resource: u, Code: resp.StatusCode, Reason: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &describe.UpstreamError{Resource: u, Code: resp.StatusCode, Reason: err.Error()}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("unparseable distribution response from %s: %w", u, err)
	}
	return nil
}

// ListBags implements DistributionService.
func (c *DistribClient) ListBags(aipid string) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.get(url.PathEscape(aipid)+"/_aip", &out)
	return out, err
}

// ListVersions implements DistributionService.
func (c *DistribClient) ListVersions(aipid string) ([]string, error) {
	var out []string
	err := c.get(url.PathEscape(aipid)+"/_aip/_v", &out)
	return out, err
}

// DescribeHeadBag implements DistributionService.
func (c *DistribClient) DescribeHeadBag(aipid, version string) (map[string]interface{}, error) {
	path := url.PathEscape(aipid) + "/_aip/_head"
	if version != "" {
		path = url.PathEscape(aipid) + "/_aip/_v/" + url.PathEscape(version) + "/_head"
	}
	var out map[string]interface{}
	err := c.get(path, &out)
	return out, err
}

// HeadBagMemberBags implements DistributionService by reading the member
// list out of the head bag's multibag manifest.
func (c *DistribClient) HeadBagMemberBags(aipid, version string) ([]string, error) {
	var manifest struct {
		MemberBags []string `json:"member-bags"`
	}
	path := url.PathEscape(aipid) + "/_aip/_v/" + url.PathEscape(version) + "/_head/_multibag"
	if err := c.get(path, &manifest); err != nil {
		return nil, err
	}
	return manifest.MemberBags, nil
}

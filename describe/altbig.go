package describe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"midas.oar.dev/common"
)

// AltBigClient serves full NERDm records from a local file cache.  The RMM
// document store caps record sizes; resources whose full (component-laden)
// form exceeds the cap are published here instead, one file per version
// with names of the form "<AIPID>-v<1_0_0>.json" (version fields separated
// by underscores).  A per-id "latest" pointer tracks the newest cached
// version, and the long-form EDI-ID embedded in a record's "@id" works as
// an alias.
type AltBigClient struct {
	root     string
	versions map[string]map[string]string // aipid -> version -> file path
	latest   map[string]string            // aipid -> latest version
	aliases  map[string]string            // EDI-ID -> aipid
	log      *logrus.Entry
}

var fnameRe = regexp.MustCompile(`^(.+)-v(\d+_\d+_\d+)\.json$`)
var arkIDRe = regexp.MustCompile(`^ark:/(\d+)/([\w\-]+)`)
var dlurlVerRe = regexp.MustCompile(`/_v/\d+\.\d+\.\d+`)

// NewAltBigClient creates a client over the given cache directory and
// indexes its contents.
func NewAltBigClient(cachedir string) (*AltBigClient, error) {
	c := &AltBigClient{
		root: cachedir,
		log:  common.Logger.WithField("service", "describe.altbig"),
	}
	if err := c.Reindex(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reindex rescans the cache directory.  Operators drop record files into
// the directory by hand, so the index is rebuilt rather than maintained
// incrementally.
func (c *AltBigClient) Reindex() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to scan alt cache directory %s: %w", c.root, err)
	}
	c.versions = map[string]map[string]string{}
	c.latest = map[string]string{}
	c.aliases = map[string]string{}

	var totalSize int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := fnameRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		aipid := m[1]
		version := strings.ReplaceAll(m[2], "_", ".")
		path := filepath.Join(c.root, entry.Name())
		if c.versions[aipid] == nil {
			c.versions[aipid] = map[string]string{}
		}
		c.versions[aipid][version] = path
		if versionLess(c.latest[aipid], version) {
			c.latest[aipid] = version
		}
		if info, err := entry.Info(); err == nil {
			totalSize += info.Size()
		}
		c.indexAlias(aipid, path)
	}
	c.log.Infof("indexed %d oversized records (%s) from %s",
		len(c.versions), humanize.Bytes(uint64(totalSize)), c.root)
	return nil
}

// indexAlias reads the record's embedded ids so the long-form EDI-ID can
// be used as an alias.
func (c *AltBigClient) indexAlias(aipid, path string) {
	doc, err := c.load(path)
	if err != nil {
		c.log.Warnf("skipping unreadable cache file %s: %v", path, err)
		return
	}
	if ediid, ok := doc["ediid"].(string); ok && ediid != "" {
		c.aliases[strings.TrimPrefix(ediid, "ark:/88434/")] = aipid
		c.aliases[ediid] = aipid
	}
	if atid, ok := doc["@id"].(string); ok {
		if m := arkIDRe.FindStringSubmatch(atid); m != nil && m[2] != aipid {
			c.aliases[m[2]] = aipid
		}
	}
}

func versionLess(a, b string) bool {
	if a == "" {
		return true
	}
	af := strings.Split(a, ".")
	bf := strings.Split(b, ".")
	for i := 0; i < len(af) && i < len(bf); i++ {
		ai, _ := strconv.Atoi(af[i])
		bi, _ := strconv.Atoi(bf[i])
		if ai != bi {
			return ai < bi
		}
	}
	return len(af) < len(bf)
}

// aipidFor normalizes an identifier (ARK id, bare AIP-ID, or EDI alias)
// into the cache's AIP-ID key.
func (c *AltBigClient) aipidFor(id string) string {
	if m := arkIDRe.FindStringSubmatch(id); m != nil {
		id = m[2]
	}
	if alias, ok := c.aliases[id]; ok {
		return alias
	}
	return id
}

// Exists reports whether the cache holds the identified record (in the
// given version, or any version when version is empty or "latest").
func (c *AltBigClient) Exists(id, version string) bool {
	base, ver, _ := splitVersionExt(id)
	if ver != "" {
		version = ver
	}
	aipid := c.aipidFor(base)
	vers, ok := c.versions[aipid]
	if !ok {
		return false
	}
	if version == "" || version == "latest" {
		return true
	}
	_, ok = vers[version]
	return ok
}

// Versions lists the cached versions for the identified record, newest
// last.
func (c *AltBigClient) Versions(id string) []string {
	vers := c.versions[c.aipidFor(id)]
	out := make([]string, 0, len(vers))
	for v := range vers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return versionLess(out[i], out[j]) })
	return out
}

// Describe returns the cached NERDm record for the identified entity,
// rewriting ids and download URLs to match the requested version view.
func (c *AltBigClient) Describe(id, version string) (map[string]interface{}, error) {
	base, ver, hasExt := splitVersionExt(id)
	if hasExt && ver == "" {
		return c.describeReleases(base)
	}
	if ver != "" {
		version = ver
	}
	aipid := c.aipidFor(base)
	doc, ver, err := c.get(aipid, version)
	if err != nil {
		return nil, err
	}
	latest := c.latest[aipid]
	if version == "" || version == "latest" || ver == latest {
		// serving the latest view: strip any version qualifiers
		stripVersionURLs(doc)
	} else {
		applyVersionView(doc, ver)
	}
	return doc, nil
}

func (c *AltBigClient) describeReleases(id string) (map[string]interface{}, error) {
	doc, _, err := c.get(c.aipidFor(id), "")
	if err != nil {
		return nil, err
	}
	return ReleaseHistoryFor(doc), nil
}

func (c *AltBigClient) get(aipid, version string) (map[string]interface{}, string, error) {
	vers, ok := c.versions[aipid]
	if !ok {
		return nil, "", &IDNotFoundError{ID: aipid}
	}
	if version == "" || version == "latest" {
		version = c.latest[aipid]
	}
	path, ok := vers[version]
	if !ok {
		return nil, "", &IDNotFoundError{ID: aipid + VersionExtension + "/" + version}
	}
	doc, err := c.load(path)
	if err != nil {
		return nil, "", err
	}
	return doc, version, nil
}

func (c *AltBigClient) load(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached record %s: %w", path, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse cached record %s: %w", path, err)
	}
	return doc, nil
}

// applyVersionView rewrites a record so its ids and download URLs reflect
// a version-specific view: "@id" gains the /pdr:v/VER qualifier, "version"
// is set, and download URLs gain a /_v/VER/ path segment.
func applyVersionView(doc map[string]interface{}, version string) {
	if atid, ok := doc["@id"].(string); ok && !strings.Contains(atid, VersionExtension) {
		doc["@id"] = atid + VersionExtension + "/" + version
	}
	doc["version"] = version
	comps, _ := doc["components"].([]interface{})
	for _, ci := range comps {
		cm, ok := ci.(map[string]interface{})
		if !ok {
			continue
		}
		if dl, ok := cm["downloadURL"].(string); ok && dl != "" {
			cm["downloadURL"] = versionedDownloadURL(dl, version)
		}
	}
}

// versionedDownloadURL inserts (or replaces) the /_v/VER/ marker in a
// distribution download URL.
func versionedDownloadURL(dl, version string) string {
	marker := "/_v/" + version
	if dlurlVerRe.MatchString(dl) {
		return dlurlVerRe.ReplaceAllString(dl, marker)
	}
	// insert after the dataset segment of the distribution path
	i := strings.Index(dl, "/od/ds/")
	if i < 0 {
		return dl
	}
	rest := dl[i+len("/od/ds/"):]
	j := strings.Index(rest, "/")
	if j < 0 {
		return dl
	}
	return dl[:i+len("/od/ds/")] + rest[:j] + marker + rest[j:]
}

// stripVersionURLs removes /_v/VER/ markers from component download URLs.
func stripVersionURLs(doc map[string]interface{}) {
	comps, _ := doc["components"].([]interface{})
	for _, ci := range comps {
		cm, ok := ci.(map[string]interface{})
		if !ok {
			continue
		}
		if dl, ok := cm["downloadURL"].(string); ok {
			cm["downloadURL"] = dlurlVerRe.ReplaceAllString(dl, "")
		}
	}
}

// ReleaseHistoryFor derives a release-history view from a full resource
// record: the resource minus its components, typed as a ReleaseHistory,
// with its "@id" qualified by /pdr:v.
func ReleaseHistoryFor(doc map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range doc {
		if k == "components" {
			continue
		}
		out[k] = v
	}
	if atid, ok := out["@id"].(string); ok && !strings.HasSuffix(atid, VersionExtension) {
		out["@id"] = atid + VersionExtension
	}
	out["@type"] = []interface{}{"nrdr:ReleaseHistory"}
	if rh, ok := doc["releaseHistory"].(map[string]interface{}); ok {
		if rel, ok := rh["hasRelease"]; ok {
			out["hasRelease"] = rel
		}
	}
	delete(out, "releaseHistory")
	return out
}

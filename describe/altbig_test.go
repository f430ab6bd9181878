package describe

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCacheFile(t *testing.T, dir, name string, doc map[string]interface{}) {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), raw, 0o644))
}

func bigRecord(aipid, version string) map[string]interface{} {
	return map[string]interface{}{
		"@id":     "ark:/88434/" + aipid,
		"ediid":   "ark:/88434/mds2100000001234567890123456789",
		"title":   "A Very Large Dataset",
		"version": version,
		"components": []interface{}{
			map[string]interface{}{
				"@id":         "#pdr:f/data/file.dat",
				"filepath":    "data/file.dat",
				"downloadURL": "https://data.example/od/ds/" + aipid + "/data/file.dat",
			},
		},
	}
}

func newTestCache(t *testing.T) (*AltBigClient, string) {
	t.Helper()
	dir := t.TempDir()
	writeCacheFile(t, dir, "mds2-1234-v1_0_0.json", bigRecord("mds2-1234", "1.0.0"))
	writeCacheFile(t, dir, "mds2-1234-v1_2_0.json", bigRecord("mds2-1234", "1.2.0"))
	writeCacheFile(t, dir, "ignore-me.txt", map[string]interface{}{})
	c, err := NewAltBigClient(dir)
	require.NoError(t, err)
	return c, dir
}

func TestAltBigIndex(t *testing.T) {
	c, _ := newTestCache(t)

	assert.True(t, c.Exists("mds2-1234", ""))
	assert.True(t, c.Exists("mds2-1234", "1.0.0"))
	assert.False(t, c.Exists("mds2-1234", "9.9.9"))
	assert.False(t, c.Exists("mds2-9999", ""))

	// ARK-qualified and EDI-ID aliases work
	assert.True(t, c.Exists("ark:/88434/mds2-1234", ""))
	assert.True(t, c.Exists("ark:/88434/mds2100000001234567890123456789", ""))

	assert.Equal(t, []string{"1.0.0", "1.2.0"}, c.Versions("mds2-1234"))
}

func TestAltBigDescribeLatest(t *testing.T) {
	c, _ := newTestCache(t)

	doc, err := c.Describe("ark:/88434/mds2-1234", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", doc["version"])
	comps := doc["components"].([]interface{})
	dl := comps[0].(map[string]interface{})["downloadURL"].(string)
	assert.NotContains(t, dl, "/_v/")
}

// Version-specific views carry the /pdr:v qualifier on the @id and /_v/
// segments in download URLs.
func TestAltBigDescribeVersion(t *testing.T) {
	c, _ := newTestCache(t)

	doc, err := c.Describe("ark:/88434/mds2-1234", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "ark:/88434/mds2-1234/pdr:v/1.0.0", doc["@id"])
	assert.Equal(t, "1.0.0", doc["version"])
	comps := doc["components"].([]interface{})
	dl := comps[0].(map[string]interface{})["downloadURL"].(string)
	assert.Contains(t, dl, "/_v/1.0.0")

	_, err = c.Describe("ark:/88434/mds2-1234", "3.0.0")
	assert.ErrorIs(t, err, ErrIDNotFound)
}

func TestAltBigReleaseHistory(t *testing.T) {
	c, _ := newTestCache(t)

	doc, err := c.Describe("ark:/88434/mds2-1234/pdr:v", "")
	require.NoError(t, err)
	assert.Equal(t, "ark:/88434/mds2-1234/pdr:v", doc["@id"])
	assert.NotContains(t, doc, "components")
	types := doc["@type"].([]interface{})
	assert.Contains(t, types, "nrdr:ReleaseHistory")
}

func TestAltBigReindexPicksUpNewFiles(t *testing.T) {
	c, dir := newTestCache(t)
	writeCacheFile(t, dir, "mds2-5678-v2_0_0.json", bigRecord("mds2-5678", "2.0.0"))
	assert.False(t, c.Exists("mds2-5678", ""))
	require.NoError(t, c.Reindex())
	assert.True(t, c.Exists("mds2-5678", "2.0.0"))
}

func TestVersionedDownloadURL(t *testing.T) {
	assert.Equal(t,
		"https://data.example/od/ds/mds2-1234/_v/1.0.0/data/file.dat",
		versionedDownloadURL("https://data.example/od/ds/mds2-1234/data/file.dat", "1.0.0"))
	// an existing marker is replaced
	assert.Equal(t,
		"https://data.example/od/ds/mds2-1234/_v/2.0.0/data/file.dat",
		versionedDownloadURL("https://data.example/od/ds/mds2-1234/_v/1.0.0/data/file.dat", "2.0.0"))
	// URLs without the distribution path are left alone
	assert.Equal(t, "https://elsewhere.example/file.dat",
		versionedDownloadURL("https://elsewhere.example/file.dat", "1.0.0"))
}

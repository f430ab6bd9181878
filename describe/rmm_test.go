package describe

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRMMDescribeEndpoints(t *testing.T) {
	var lastPath, lastQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastPath = r.URL.Path
		lastQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ResultCount": 1,
			"ResultData":  []interface{}{map[string]interface{}{"@id": "x"}},
		})
	}))
	defer srv.Close()
	c := NewRMMClient(srv.URL, 0)

	_, err := c.Describe("ark:/88434/mds2-1234", "")
	require.NoError(t, err)
	assert.Equal(t, "/records", lastPath)

	_, err = c.Describe("ark:/88434/mds2-1234", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "/versions", lastPath)
	assert.Contains(t, lastQuery, "pdr%3Av%2F1.2.0")

	_, err = c.Describe("ark:/88434/mds2-1234/pdr:v", "")
	require.NoError(t, err)
	assert.Equal(t, "/releaseSets", lastPath)

	// long-form EDI ids use the ediid parameter
	_, err = c.Describe("mds2100000001234567890123456789", "")
	require.NoError(t, err)
	assert.Equal(t, "/records", lastPath)
	assert.Contains(t, lastQuery, "ediid=")
}

func TestRMMNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ResultCount": 0, "ResultData": []}`))
	}))
	defer srv.Close()

	_, err := NewRMMClient(srv.URL, 0).Describe("ark:/88434/nope", "")
	assert.ErrorIs(t, err, ErrIDNotFound)
}

func TestRMMUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRMMClient(srv.URL, 0).Describe("ark:/88434/x", "")
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.Code)
}

func TestRMMSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/records", r.URL.Path)
		assert.Equal(t, "metadata", r.URL.Query().Get("keyword"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ResultData": [{"@id": "a"}, {"@id": "b"}]}`))
	}))
	defer srv.Close()

	recs, err := NewRMMClient(srv.URL, 0).Search(map[string]string{"keyword": "metadata"}, true)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

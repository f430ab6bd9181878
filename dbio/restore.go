package dbio

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Restorer repopulates a draft record's data from an archived copy of its
// last publication.  A restorer is constructed for one record and one
// archive location; Recover pulls the archived data (caching it
// internally) and Free releases the cache.
type Restorer interface {
	// GetData returns the archived data portion of the record.
	GetData() (map[string]interface{}, error)

	// Restore loads the archived data into the given record.  The record
	// is not saved.
	Restore(rec *ProjectRecord) error

	// Recover fetches the archived data from its location and caches it.
	Recover() error

	// Free releases any cached data.
	Free()
}

var dbioStoreRe = regexp.MustCompile(`^dbio_store:([\w\-]+)/(\w[\w/\-+=:.]*)$`)

// RestorerFromArchivedAt creates the restorer appropriate for an
// archived_at URL: a DBIO restorer for dbio_store: URLs, an HTTP restorer
// for http(s) URLs.
func RestorerFromArchivedAt(locurl string, dbcli *DBClient) (Restorer, error) {
	switch {
	case strings.HasPrefix(locurl, "dbio_store:"):
		return NewDBIORestorerFromURL(locurl, dbcli)
	case strings.HasPrefix(locurl, "http:") || strings.HasPrefix(locurl, "https:"):
		return NewURLRestorer(locurl, 30*time.Second)
	}
	return nil, ConfigError("unrecognized archive location: %s", locurl)
}

// DBIORestorer pulls record data from a published DBIO collection (e.g.
// dmp_latest).
type DBIORestorer struct {
	pubcli *DBClient
	pubid  string
	pubrec *ProjectRecord
}

// NewDBIORestorer creates a restorer for a record published with the given
// identifier into the given collection.
func NewDBIORestorer(dbcli *DBClient, coll, pubid string) *DBIORestorer {
	return &DBIORestorer{pubcli: dbcli.ClientFor(coll, false), pubid: pubid}
}

// NewDBIORestorerFromURL creates a DBIORestorer from an archived_at URL of
// the form dbio_store:<collection>/<pubid>.
func NewDBIORestorerFromURL(locurl string, dbcli *DBClient) (*DBIORestorer, error) {
	m := dbioStoreRe.FindStringSubmatch(locurl)
	if m == nil {
		return nil, ConfigError("non-compliant dbio_store URL: %s", locurl)
	}
	return NewDBIORestorer(dbcli, m[1], m[2]), nil
}

// Recover implements Restorer.
func (r *DBIORestorer) Recover() error {
	r.Free()
	rec, err := r.pubcli.GetRecordFor(r.pubid, PermRead)
	if err != nil {
		return err
	}
	r.pubrec = rec
	return nil
}

// Free implements Restorer.
func (r *DBIORestorer) Free() { r.pubrec = nil }

// GetData implements Restorer.
func (r *DBIORestorer) GetData() (map[string]interface{}, error) {
	if r.pubrec == nil {
		if err := r.Recover(); err != nil {
			return nil, err
		}
	}
	return deepCopyDoc(r.pubrec.Data), nil
}

// Restore implements Restorer.
func (r *DBIORestorer) Restore(rec *ProjectRecord) error {
	data, err := r.GetData()
	if err != nil {
		return err
	}
	rec.Data = data
	return nil
}

// URLRestorer retrieves the archived record data with an HTTP GET.
type URLRestorer struct {
	dataURL string
	client  *http.Client
	data    map[string]interface{}
}

// NewURLRestorer creates a restorer fetching from the given HTTP(S) URL.
func NewURLRestorer(dataURL string, timeout time.Duration) (*URLRestorer, error) {
	if dataURL == "" {
		return nil, ConfigError("URL restorer: data URL not provided")
	}
	if !strings.HasPrefix(dataURL, "http:") && !strings.HasPrefix(dataURL, "https:") {
		return nil, ConfigError("URL restorer: not an HTTP(S) URL: %s", dataURL)
	}
	return &URLRestorer{
		dataURL: dataURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Recover implements Restorer, mapping HTTP failures onto the DBIO error
// taxonomy.
func (r *URLRestorer) Recover() error {
	r.Free()
	req, err := http.NewRequest(http.MethodGet, r.dataURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build archive request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to retrieve archived record from %s: %w", r.dataURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return NotFound(r.dataURL)
	case resp.StatusCode == http.StatusUnauthorized:
		return Unauthorized("", "access archived record at "+r.dataURL)
	case resp.StatusCode == http.StatusNotAcceptable:
		return fmt.Errorf("archive server at %s cannot return JSON", r.dataURL)
	case resp.StatusCode >= 500:
		return fmt.Errorf("archive server error (%d) from %s", resp.StatusCode, r.dataURL)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected response (%d) from %s", resp.StatusCode, r.dataURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read archived record from %s: %w", r.dataURL, err)
	}
	ctype := resp.Header.Get("Content-Type")
	if strings.Contains(ctype, "text/html") || looksLikeHTML(body) {
		return fmt.Errorf("archive server at %s returned HTML where JSON was expected", r.dataURL)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("failed to parse archived record from %s: %w", r.dataURL, err)
	}
	r.data = data
	return nil
}

func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html")
}

// Free implements Restorer.
func (r *URLRestorer) Free() { r.data = nil }

// GetData implements Restorer.
func (r *URLRestorer) GetData() (map[string]interface{}, error) {
	if r.data == nil {
		if err := r.Recover(); err != nil {
			return nil, err
		}
	}
	return deepCopyDoc(r.data), nil
}

// Restore implements Restorer.
func (r *URLRestorer) Restore(rec *ProjectRecord) error {
	data, err := r.GetData()
	if err != nil {
		return err
	}
	rec.Data = data
	return nil
}

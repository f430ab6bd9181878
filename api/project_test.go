package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midas.oar.dev/dbio"
)

const testSigningKey = "test-signing-key"

func testJWTConfig() JWTConfig {
	return JWTConfig{
		Key:               testSigningKey,
		Algorithm:         "HS256",
		RequireExpiration: true,
		LegacyAuthKey:     "legacy-secret",
		LegacyIdentity:    "nps-service",
	}
}

func bearerFor(t *testing.T, sub string, groups ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(groups) > 0 {
		list := make([]interface{}, len(groups))
		for i, g := range groups {
			list[i] = g
		}
		claims["groups"] = list
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	require.NoError(t, err)
	return "Bearer " + token
}

func newTestApp(t *testing.T) (*echo.Echo, *dbio.InMemoryBackend) {
	t.Helper()
	backend := dbio.NewInMemoryBackend()
	clicfg := dbio.ClientConfig{
		DefaultShoulder: "mdm1",
		Superusers:      []string{"nps-service"},
	}
	clifactory := dbio.NewBackendClientFactory(backend, clicfg, nil, nil)
	factories := map[string]*dbio.ProjectServiceFactory{
		"dmp/mdm1": dbio.NewProjectServiceFactory(dbio.DMPProjects, clifactory, dbio.ServiceConfig{}, nil),
		"dap/mds3": dbio.NewProjectServiceFactory(dbio.DAPProjects, clifactory, dbio.ServiceConfig{}, nil),
	}

	e := echo.New()
	SetupProjectRoutes(e, NewProjectHandlers(factories), testJWTConfig())
	return e, backend
}

func doJSON(t *testing.T, e *echo.Echo, method, target, auth, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestAuthRequired(t *testing.T) {
	e, _ := newTestApp(t)
	rec := doJSON(t, e, http.MethodGet, "/dmp/mdm1/", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/", "Bearer garbage", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// Scenario: a draft is created, finalized, and published through the API.
func TestDraftLifecycle(t *testing.T) {
	e, backend := newTestApp(t)
	auth := bearerFor(t, "u1", "g1")

	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth,
		`{"name": "Alpha", "data": {"title": "Alpha"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, "mdm1:0001", created["id"])

	rec = doJSON(t, e, http.MethodPatch, "/dmp/mdm1/mdm1:0001?action=finalize", auth, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	finalized := decodeBody(t, rec)
	status := finalized["status"].(map[string]interface{})
	assert.Equal(t, dbio.StateReady, status["state"])
	data := finalized["data"].(map[string]interface{})
	assert.Equal(t, "1.0.0", data["@version"])

	rec = doJSON(t, e, http.MethodPatch, "/dmp/mdm1/mdm1:0001?action=publish", auth, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	published := decodeBody(t, rec)
	status = published["status"].(map[string]interface{})
	assert.Equal(t, dbio.StatePublished, status["state"])
	assert.Equal(t, "ark:/88434/mdm1-0001", status["published_as"])

	latest, err := backend.GetFromColl("dmp_latest", "ark:/88434/mdm1-0001")
	require.NoError(t, err)
	require.NotNil(t, latest)
	latestData := latest["data"].(map[string]interface{})
	assert.Equal(t, "ark:/88434/mdm1-0001", latestData["@id"])
}

// Scenario: a partial update merges into the existing data.
func TestPartialUpdate(t *testing.T) {
	e, _ := newTestApp(t)
	auth := bearerFor(t, "u1")

	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth,
		`{"name": "Alpha", "data": {"a": {"b": 1, "c": 2}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, e, http.MethodPatch, "/dmp/mdm1/mdm1:0001/data", auth, `{"a": {"b": 5}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeBody(t, rec)
	a := data["a"].(map[string]interface{})
	assert.Equal(t, float64(5), a["b"])
	assert.Equal(t, float64(2), a["c"])
}

func TestRecordPartViews(t *testing.T) {
	e, _ := newTestApp(t)
	auth := bearerFor(t, "u1")

	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth,
		`{"name": "Alpha", "data": {"contact": {"name": "Ray"}}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:0001/data/contact/name", auth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `"Ray"`, strings.TrimSpace(rec.Body.String()))

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:0001/status", auth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, dbio.StateEdit, status["state"])

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:0001/acls", auth, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:0001/nosuch", auth, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecords(t *testing.T) {
	e, _ := newTestApp(t)
	u1 := bearerFor(t, "u1")
	u2 := bearerFor(t, "u2")

	for _, name := range []string{`"Beta"`, `"Alpha"`} {
		rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", u1, `{"name": `+name+`}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", u2, `{"name": "Theirs"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/?sort=name", u1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "Alpha", list[0]["name"])
	assert.Equal(t, "Beta", list[1]["name"])

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/?name=Beta", u1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestCreateConflictAndErrors(t *testing.T) {
	e, _ := newTestApp(t)
	auth := bearerFor(t, "u1")

	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth, `{"name": "Alpha"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth, `{"name": "Alpha"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth, `{"data": {}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:9999", auth, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// another user cannot read the record
	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:0001", bearerFor(t, "u2"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateConflictsOnSubmittedRecord(t *testing.T) {
	e, backend := newTestApp(t)
	auth := bearerFor(t, "u1")

	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth, `{"name": "Alpha"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	doc, err := backend.GetFromColl(dbio.DMPProjects, "mdm1:0001")
	require.NoError(t, err)
	doc["status"].(map[string]interface{})["state"] = dbio.StateSubmitted
	_, err = backend.Upsert(dbio.DMPProjects, "mdm1:0001", doc)
	require.NoError(t, err)

	rec = doJSON(t, e, http.MethodPatch, "/dmp/mdm1/mdm1:0001/data", auth, `{"title": "nope"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteRecord(t *testing.T) {
	e, _ := newTestApp(t)
	auth := bearerFor(t, "u1")

	rec := doJSON(t, e, http.MethodPost, "/dmp/mdm1/", auth, `{"name": "Alpha"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, e, http.MethodDelete, "/dmp/mdm1/mdm1:0001", auth, "")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeBody(t, rec)
	assert.Equal(t, true, out["deleted"])

	rec = doJSON(t, e, http.MethodGet, "/dmp/mdm1/mdm1:0001", auth, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// Legacy NPS callback semantics: true approves (and publishes), false
// pauses with canned feedback and reopens the record, null marks the
// review in progress.
func TestLegacyNPSReview(t *testing.T) {
	e, backend := newTestApp(t)
	owner := bearerFor(t, "u1")

	rec := doJSON(t, e, http.MethodPost, "/dap/mds3/", owner,
		`{"name": "Alpha", "data": {"title": "Alpha"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	id := created["id"].(string)

	rec = doJSON(t, e, http.MethodPatch, "/dap/mds3/"+id+"?action=finalize", owner, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// move to submitted directly (submission normally goes through an
	// external publishing service for DAPs)
	doc, err := backend.GetFromColl(dbio.DAPProjects, id)
	require.NoError(t, err)
	doc["status"].(map[string]interface{})["state"] = dbio.StateSubmitted
	_, err = backend.Upsert(dbio.DAPProjects, id, doc)
	require.NoError(t, err)

	legacyAuth := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/extrev/nps/leg/"+id, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("X-Auth-Key", "legacy-secret")
		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		return w
	}

	// null: review in progress
	w := legacyAuth(`{"reviewResponse": null}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	doc, err = backend.GetFromColl(dbio.DAPProjects, id)
	require.NoError(t, err)
	review := doc["status"].(map[string]interface{})["publishReview"].(map[string]interface{})
	nps := review["nps"].(map[string]interface{})
	assert.Equal(t, "in progress", nps["phase"])

	// false: paused, reopened for edit, canned feedback recorded
	w = legacyAuth(`{"reviewResponse": false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, dbio.StateEdit, resp["state"])

	doc, err = backend.GetFromColl(dbio.DAPProjects, id)
	require.NoError(t, err)
	review = doc["status"].(map[string]interface{})["publishReview"].(map[string]interface{})
	nps = review["nps"].(map[string]interface{})
	assert.Equal(t, "paused", nps["phase"])
	feedback := nps["feedback"].([]interface{})
	require.Len(t, feedback, 1)
	assert.Equal(t, "Visit NPS for reviewer comments",
		feedback[0].(map[string]interface{})["description"])

	// back to submitted, then true: approved and published
	doc["status"].(map[string]interface{})["state"] = dbio.StateSubmitted
	_, err = backend.Upsert(dbio.DAPProjects, id, doc)
	require.NoError(t, err)

	w = legacyAuth(`{"reviewResponse": true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, dbio.StatePublished, resp["state"])

	w = legacyAuth(`{"reviewResponse": null}`)
	assert.Equal(t, http.StatusOK, w.Code)

	// wrong key is rejected
	req := httptest.NewRequest(http.MethodPost, "/extrev/nps/leg/"+id,
		strings.NewReader(`{"reviewResponse": null}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Auth-Key", "wrong")
	w = httptest.NewRecorder()
	e.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

package dbio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midas.oar.dev/prov"
)

func newTestService(t *testing.T, f *InMemoryClientFactory, user string) *ProjectService {
	t.Helper()
	factory := NewProjectServiceFactory(DMPProjects, f, ServiceConfig{}, nil)
	svc, err := factory.CreateServiceFor(prov.NewAgent("midas", prov.AgentPublic, user))
	require.NoError(t, err)
	return svc
}

func TestServiceCreateRecord(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")

	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mdm1:0001", rec.ID)
	assert.Equal(t, StateEdit, rec.Status.State)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Data["title"])
	assert.Equal(t, ActionUpdate, got.Status.Action)

	// a CREATE action was logged
	acts, err := svc.DBClient().SelectActionsFor(rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, acts)
	assert.Equal(t, prov.ActionCreate, acts[0].Type)
}

func TestServiceCreateRecordModeratesMeta(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")

	rec, err := svc.CreateRecord("Alpha", nil, map[string]interface{}{
		"sipid":   "client-sneaked",
		"purpose": "testing",
	})
	require.NoError(t, err)
	assert.NotContains(t, rec.Meta, "sipid")
	assert.Equal(t, "testing", rec.Meta["purpose"])
}

// Whole-record updates merge recursively: maps merge in place, everything
// else is replaced wholesale.
func TestUpdateDataMerge(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")

	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
		"tags": []interface{}{"one", "two"},
	}, nil)
	require.NoError(t, err)

	_, err = svc.UpdateData(rec.ID, map[string]interface{}{
		"a":    map[string]interface{}{"b": 5},
		"tags": []interface{}{"three"},
	}, "", "")
	require.NoError(t, err)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	a := got.Data["a"].(map[string]interface{})
	assert.Equal(t, float64(5), a["b"])
	assert.Equal(t, float64(2), a["c"])
	assert.Equal(t, []interface{}{"three"}, got.Data["tags"])
}

// The recorded PATCH action carries a JSON-Patch from the pre-merge value
// to the merged one.
func TestUpdateDataRecordsJSONPatch(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")

	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)
	_, err = svc.UpdateData(rec.ID, map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
	}, "", "")
	require.NoError(t, err)

	_, err = svc.UpdateData(rec.ID, map[string]interface{}{
		"a": map[string]interface{}{"b": 5},
	}, "", "")
	require.NoError(t, err)

	acts, err := svc.DBClient().SelectActionsFor(rec.ID)
	require.NoError(t, err)
	last := acts[len(acts)-1]
	require.Equal(t, prov.ActionPatch, last.Type)

	obj, ok := last.Object.(map[string]interface{})
	require.True(t, ok)
	patch, ok := obj["jsonpatch"].([]interface{})
	require.True(t, ok)
	require.Len(t, patch, 1)
	op := patch[0].(map[string]interface{})
	assert.Equal(t, "replace", op["op"])
	assert.Equal(t, "/a/b", op["path"])
	assert.Equal(t, float64(5), op["value"])
}

func TestUpdateDataPart(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")

	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{
		"contact": map[string]interface{}{"name": "Ray"},
	}, nil)
	require.NoError(t, err)

	// leaf merge: both sides maps
	_, err = svc.UpdateData(rec.ID, map[string]interface{}{"email": "ray@example.org"},
		"contact", "")
	require.NoError(t, err)
	got, err := svc.GetData(rec.ID, "contact")
	require.NoError(t, err)
	contact := got.(map[string]interface{})
	assert.Equal(t, "Ray", contact["name"])
	assert.Equal(t, "ray@example.org", contact["email"])

	// intermediate maps are auto-created
	_, err = svc.UpdateData(rec.ID, map[string]interface{}{"city": "Boulder"},
		"org/address", "")
	require.NoError(t, err)
	got, err = svc.GetData(rec.ID, "org/address/city")
	require.NoError(t, err)
	assert.Equal(t, "Boulder", got)

	// a path through a non-object is unreachable
	_, err = svc.UpdateData(rec.ID, map[string]interface{}{"x": 1}, "contact/name/deeper", "")
	assert.ErrorIs(t, err, ErrPartNotAccessible)
}

func TestUpdateDataNotEditable(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	cli := svc.DBClient()
	raw, err := cli.GetRecordFor(rec.ID, PermWrite)
	require.NoError(t, err)
	raw.Status.SetState(StateSubmitted, -1)
	require.NoError(t, raw.Save())

	_, err = svc.UpdateData(rec.ID, map[string]interface{}{"title": "nope"}, "", "")
	assert.ErrorIs(t, err, ErrNotEditable)
}

func TestReplaceData(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{
		"a": map[string]interface{}{"b": 1, "c": 2},
	}, nil)
	require.NoError(t, err)

	_, err = svc.ReplaceData(rec.ID, map[string]interface{}{"title": "fresh"}, "", "")
	require.NoError(t, err)
	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Data["title"])
	assert.NotContains(t, got.Data, "a")

	// part replacement overwrites rather than merges
	_, err = svc.ReplaceData(rec.ID, map[string]interface{}{"b": 9}, "a", "")
	require.NoError(t, err)
	got, err = svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"b": float64(9)}, got.Data["a"])
}

func TestClearData(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{
		"a": map[string]interface{}{"b": 1},
		"title": "Alpha",
	}, nil)
	require.NoError(t, err)

	cleared, err := svc.ClearData(rec.ID, "a/b", "")
	require.NoError(t, err)
	assert.True(t, cleared)
	_, err = svc.GetData(rec.ID, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	// a part that does not exist reports false without error
	cleared, err = svc.ClearData(rec.ID, "nosuch/part", "")
	require.NoError(t, err)
	assert.False(t, cleared)

	// whole-data reset
	cleared, err = svc.ClearData(rec.ID, "", "")
	require.NoError(t, err)
	assert.True(t, cleared)
	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Data)
}

func TestDeleteRecordNeverPublished(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	deleted, err := svc.DeleteRecord(rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := svc.Exists(rec.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// the action log was archived before deletion
	assert.NotEmpty(t, f.Backend().HistoryFor(rec.ID))
}

func TestGetDataPart(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{
		"contact": map[string]interface{}{"name": "Ray"},
	}, nil)
	require.NoError(t, err)

	got, err := svc.GetData(rec.ID, "contact/name")
	require.NoError(t, err)
	assert.Equal(t, "Ray", got)

	_, err = svc.GetData(rec.ID, "contact/phone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRenameRecord(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)
	_, err = svc.CreateRecord("Beta", nil, nil)
	require.NoError(t, err)

	_, err = svc.RenameRecord(rec.ID, "Beta")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	renamed, err := svc.RenameRecord(rec.ID, "Gamma")
	require.NoError(t, err)
	assert.Equal(t, "Gamma", renamed.Name)
}

func TestReassignRecord(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	reassigned, err := svc.ReassignRecord(rec.ID, "u2", false)
	require.NoError(t, err)
	assert.Equal(t, "u2", reassigned.Owner)
	// the former owner keeps their grants unless disowned
	assert.Contains(t, reassigned.ACLs[PermWrite], "u1")

	// a COMMENT action carries the change
	acts, err := svc.DBClient().SelectActionsFor(rec.ID)
	require.NoError(t, err)
	last := acts[len(acts)-1]
	assert.Equal(t, prov.ActionComment, last.Type)
	assert.Contains(t, last.Message, "u1")
	assert.Contains(t, last.Message, "u2")
}

package dbio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArkifyRecID(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")

	assert.Equal(t, "ark:/88434/mdm1-0001", svc.ArkifyRecID("mdm1:0001"))
	// unrecognized forms pass through
	assert.Equal(t, "ark:/88434/pdr0-555", svc.ArkifyRecID("ark:/88434/pdr0-555"))
}

// Finalizing a fresh draft assigns 1.0.0, fills the release history, and
// leaves the record ready for submission.
func TestFinalize(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)

	stat, err := svc.Finalize(rec.ID, "first draft done")
	require.NoError(t, err)
	assert.Equal(t, StateReady, stat.State)
	assert.Equal(t, ActionFinalize, stat.Action)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Data["@version"])
	assert.Equal(t, "ark:/88434/mdm1-0001", got.Data["@id"])

	hist, ok := got.Data["releaseHistory"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ark:/88434/mdm1-0001/pdr:v", hist["@id"])
	releases, ok := hist["hasRelease"].([]interface{})
	require.True(t, ok)
	require.Len(t, releases, 1)
	entry := releases[0].(map[string]interface{})
	assert.Equal(t, "1.0.0", entry["version"])
	assert.Equal(t, "first draft done", entry["description"])
}

// A draft carrying the in-edit marker finalizes to its base version when
// it has never been published.
func TestFinalizeDropsDraftMarker(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{
		"@version": "1.0.0+ (in edit)",
	}, nil)
	require.NoError(t, err)

	stat, err := svc.Finalize(rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateReady, stat.State)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Data["@version"])
}

func TestFinalizeRequiresEditableState(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	raw, err := svc.DBClient().GetRecordFor(rec.ID, PermWrite)
	require.NoError(t, err)
	raw.Status.SetState(StateSubmitted, -1)
	require.NoError(t, raw.Save())

	_, err = svc.Finalize(rec.ID, "")
	assert.ErrorIs(t, err, ErrNotEditable)
}

type failingValidator struct{}

func (failingValidator) MinimalValidate(data map[string]interface{}, id string) *ValidationResults {
	res := &ValidationResults{}
	res.Add("req", "data payload must be a JSON object", data != nil)
	return res
}

func (failingValidator) FullValidate(rec *ProjectRecord) *ValidationResults {
	res := &ValidationResults{}
	res.Add("req", "record must carry a title", false)
	return res
}

// A failed final validation reverts the record to edit and surfaces the
// errors.
func TestFinalizeValidationFailure(t *testing.T) {
	f := newTestFactory()
	svc2 := newTestService(t, f, "u1")
	rec, err := svc2.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	vfactory := NewProjectServiceFactory(DMPProjects, f, ServiceConfig{}, failingValidator{})
	vsvc, err := vfactory.CreateServiceFor(svc2.User())
	require.NoError(t, err)

	_, err = vsvc.Finalize(rec.ID, "")
	require.ErrorIs(t, err, ErrInvalidRecord)
	var ire *InvalidRecordError
	require.True(t, asInvalid(err, &ire))
	assert.Contains(t, ire.Errors, "record must carry a title")

	got, err := svc2.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEdit, got.Status.State)
}

// Submitting a draft finalizes and publishes it: archived copies land in
// the published collections with public-read ACLs, and the draft status
// records where it went.
func TestSubmitPublishes(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)

	stat, err := svc.Submit(rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StatePublished, stat.State)
	assert.Equal(t, "ark:/88434/mdm1-0001", stat.PublishedAs)
	assert.Equal(t, "1.0.0", stat.Version)
	assert.Equal(t, "dbio_store:dmp_latest/ark:/88434/mdm1-0001", stat.ArchivedAt)

	// the latest copy: ARK id, public read, stripped write/admin/delete
	latestcli := svc.DBClient().ClientFor("dmp_latest", false)
	latest, err := latestcli.GetRecordFor("ark:/88434/mdm1-0001")
	require.NoError(t, err)
	assert.Equal(t, "ark:/88434/mdm1-0001", latest.Data["@id"])
	assert.Equal(t, StatePublished, latest.Status.State)
	assert.Equal(t, []string{PublicGroup}, latest.ACLs[PermRead])
	assert.Empty(t, latest.ACLs[PermWrite])
	assert.Empty(t, latest.ACLs[PermAdmin])
	assert.Empty(t, latest.ACLs[PermDelete])

	// the immutable version copy
	verscli := svc.DBClient().ClientFor("dmp_version", false)
	versioned, err := verscli.GetRecordFor("ark:/88434/mdm1-0001/pdr:v/1.0.0")
	require.NoError(t, err)
	assert.Equal(t, StatePublished, versioned.Status.State)

	// a stranger can read the published copy through the public group
	scli, err := f.CreateClient("dmp_latest", "someone-else")
	require.NoError(t, err)
	_, err = scli.GetRecordFor("ark:/88434/mdm1-0001")
	assert.NoError(t, err)
}

// Updating a published record first runs update-prep: the state returns to
// edit and the data is restored from the latest published copy with a
// drafted version.
func TestUpdatePrepOnPublishedRecord(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(rec.ID, "")
	require.NoError(t, err)

	_, err = svc.UpdateData(rec.ID, map[string]interface{}{"title": "Alpha revised"}, "", "")
	require.NoError(t, err)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateEdit, got.Status.State)
	assert.Equal(t, "1.0.0+ (in edit)", got.Data["@version"])
	assert.Equal(t, "Alpha revised", got.Data["title"])

	// the restored base matches the published copy
	latestcli := svc.DBClient().ClientFor("dmp_latest", false)
	latest, err := latestcli.GetRecordFor("ark:/88434/mdm1-0001")
	require.NoError(t, err)
	assert.Equal(t, latest.Data["@id"], got.Data["@id"])

	// finalizing the revision bumps the minor version
	stat, err := svc.Finalize(rec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, StateReady, stat.State)
	got, err = svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", got.Data["@version"])
}

func TestPublishRequiresSubmittedState(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	_, err = svc.Publish(rec.ID)
	assert.ErrorIs(t, err, ErrNotSubmitable)
}

func setRecordState(t *testing.T, svc *ProjectService, id, state string) {
	t.Helper()
	raw, err := svc.DBClient().GetRecordFor(id, PermWrite)
	require.NoError(t, err)
	raw.Status.SetState(state, -1)
	require.NoError(t, raw.Save())
}

// Publication is gated on all registered external reviews being approved.
func TestPublishGatedOnExternalReview(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Finalize(rec.ID, "")
	require.NoError(t, err)
	setRecordState(t, svc, rec.ID, StateSubmitted)

	_, err = svc.ApplyExternalReview(rec.ID, "nps", "in progress", "", "", nil, false, true, nil)
	require.NoError(t, err)

	_, err = svc.Publish(rec.ID)
	assert.ErrorIs(t, err, ErrNotSubmitable)

	_, err = svc.ApplyExternalReview(rec.ID, "nps", "approved", "", "", nil, false, true, nil)
	require.NoError(t, err)

	stat, err := svc.Publish(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePublished, stat.State)
}

// A review that requests changes reopens a submitted record for editing.
func TestExternalReviewRequestChanges(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Finalize(rec.ID, "")
	require.NoError(t, err)
	setRecordState(t, svc, rec.ID, StateSubmitted)

	fb := []map[string]interface{}{{"type": "req", "description": "Visit NPS for reviewer comments"}}
	state, err := svc.ApplyExternalReview(rec.ID, "nps", "paused", "", "", fb, true, true, nil)
	require.NoError(t, err)
	assert.Equal(t, StateEdit, state)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	rev := got.Status.Review["nps"]
	assert.Equal(t, "paused", rev.Phase)
	require.Len(t, rev.Feedback, 1)
	assert.Equal(t, "Visit NPS for reviewer comments", rev.Feedback[0]["description"])
}

func TestApproveAutoPublishes(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Finalize(rec.ID, "")
	require.NoError(t, err)
	setRecordState(t, svc, rec.ID, StateSubmitted)

	stat, err := svc.Approve(rec.ID, "nps", "", "", true)
	require.NoError(t, err)
	assert.Equal(t, StatePublished, stat.State)
}

// Deleting a published record does not erase it; the data reverts to the
// published snapshot.
func TestDeletePublishedRecordReverts(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", map[string]interface{}{"title": "Alpha"}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(rec.ID, "")
	require.NoError(t, err)

	// dirty the draft
	_, err = svc.UpdateData(rec.ID, map[string]interface{}{"title": "scratch work"}, "", "")
	require.NoError(t, err)

	deleted, err := svc.DeleteRecord(rec.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := svc.GetRecord(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Data["title"])
	assert.Equal(t, StatePublished, got.Status.State)
}

func TestReviewDefaultValidator(t *testing.T) {
	f := newTestFactory()
	svc := newTestService(t, f, "u1")
	rec, err := svc.CreateRecord("Alpha", nil, nil)
	require.NoError(t, err)

	res, err := svc.Review(rec.ID)
	require.NoError(t, err)
	assert.Zero(t, res.CountFailed("req"))
}

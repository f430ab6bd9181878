package dbio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusNormalize(t *testing.T) {
	var st Status
	st.Normalize()
	assert.Equal(t, StateEdit, st.State)
	assert.Equal(t, ActionCreate, st.Action)
	assert.Equal(t, float64(0), st.Since)
	assert.Equal(t, float64(0), st.Modified)
}

func TestStatusAct(t *testing.T) {
	var st Status
	st.Normalize()

	st.Act(ActionUpdate, "changed the title", 0)
	assert.Equal(t, ActionUpdate, st.Action)
	assert.Equal(t, "changed the title", st.Message)
	assert.Equal(t, float64(0), st.Modified)
	assert.Equal(t, "pending", st.ModifiedDate())

	st.Act(ActionUpdate, "again", -1)
	assert.Greater(t, st.Modified, float64(0))
	assert.NotEqual(t, "pending", st.ModifiedDate())

	st.Act(ActionFinalize, "done", 1690000000)
	assert.Equal(t, float64(1690000000), st.Modified)

	// empty action is ignored
	st.Act("", "noop", -1)
	assert.Equal(t, ActionFinalize, st.Action)
}

func TestStatusSetState(t *testing.T) {
	var st Status
	st.Normalize()

	st.SetState(StateProcessing, -1)
	assert.Equal(t, StateProcessing, st.State)
	assert.Greater(t, st.Since, float64(0))

	st.SetState(StateReady, 0)
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, "pending", st.SinceDate())
}

func TestStatusSetTimes(t *testing.T) {
	var st Status
	st.Normalize()
	st.SetTimes()
	assert.Greater(t, st.Created, float64(0))
	assert.Greater(t, st.Modified, float64(0))
	assert.GreaterOrEqual(t, st.Modified, st.Since)
	assert.LessOrEqual(t, st.Since, st.Modified)
}

func TestStatusPubReview(t *testing.T) {
	var st Status
	st.Normalize()

	rev := st.PubReview("nps", "in progress", "rev-12", "https://nps.example/rev-12", nil, true, nil)
	assert.Equal(t, "in progress", rev.Phase)
	assert.Equal(t, "rev-12", rev.ReviewID)

	fb := []map[string]interface{}{{"type": "req", "description": "fix the title"}}
	rev = st.PubReview("nps", "paused", "", "", fb, true, nil)
	assert.Equal(t, "paused", rev.Phase)
	assert.Equal(t, "rev-12", rev.ReviewID) // retained
	require.Len(t, rev.Feedback, 1)

	// append rather than replace
	rev = st.PubReview("nps", "", "", "", fb, false, nil)
	assert.Len(t, rev.Feedback, 2)

	assert.False(t, st.ReviewsApproved())
	st.PubReview("nps", "approved", "", "", []map[string]interface{}{}, true, nil)
	assert.True(t, st.ReviewsApproved())

	st.CancelReview("nps")
	assert.NotContains(t, st.Review, "nps")
}

func TestStatusPublish(t *testing.T) {
	var st Status
	st.Normalize()
	st.Publish("ark:/88434/mdm1-0003", "1.0.0", "dbio_store:dmp_latest/ark:/88434/mdm1-0003")
	assert.Equal(t, "ark:/88434/mdm1-0003", st.PublishedAs)
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, "dbio_store:dmp_latest/ark:/88434/mdm1-0003", st.ArchivedAt)
}

func TestStatusClone(t *testing.T) {
	var st Status
	st.Normalize()
	st.PubReview("nps", "in progress", "", "", nil, true, nil)
	cp := st.Clone()
	cp.SetState(StateSubmitted, -1)
	cp.PubReview("nps", "approved", "", "", nil, true, nil)
	assert.Equal(t, StateEdit, st.State)
	assert.Equal(t, "in progress", st.Review["nps"].Phase)
}

package dbio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGroup(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "u1")

	g, err := cli.Groups().CreateGroup("collab", "")
	require.NoError(t, err)
	assert.Equal(t, "grp0:u1:collab", g.ID)
	assert.Equal(t, "u1", g.Owner)
	assert.True(t, g.IsMember("u1"))

	// same (owner, name) collides
	_, err = cli.Groups().CreateGroup("collab", "")
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// another owner can reuse the name
	u2cli := newTestClient(t, f, "u2")
	g2, err := u2cli.Groups().CreateGroup("collab", "")
	require.NoError(t, err)
	assert.Equal(t, "grp0:u2:collab", g2.ID)
}

func TestCreateGroupForOtherUser(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "u1")

	_, err := cli.Groups().CreateGroup("theirs", "u2")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	sucli := newTestClient(t, f, "superman")
	g, err := sucli.Groups().CreateGroup("theirs", "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", g.Owner)
}

func TestGroupMembership(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "u1")

	g, err := cli.Groups().CreateGroup("collab", "")
	require.NoError(t, err)
	g.AddMember("u2", "u3")
	g.AddMember("u2") // no duplicates
	require.NoError(t, g.Save())

	got, err := cli.Groups().Get(g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, got.Members)

	got.RemoveMember("u3")
	require.NoError(t, got.Save())
	got, err = cli.Groups().Get(g.ID)
	require.NoError(t, err)
	assert.False(t, got.IsMember("u3"))
}

// Transitive resolution: G1 = {u1}, G2 = {G1}, G3 = {G2, u2} implies u1 is
// an effective member of all three.
func TestSelectIDsForUserTransitive(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "owner")
	dg := cli.Groups()

	g1, err := dg.CreateGroup("g1", "")
	require.NoError(t, err)
	g1.Members = []string{"u1"}
	require.NoError(t, g1.Save())

	g2, err := dg.CreateGroup("g2", "")
	require.NoError(t, err)
	g2.Members = []string{g1.ID}
	require.NoError(t, g2.Save())

	g3, err := dg.CreateGroup("g3", "")
	require.NoError(t, err)
	g3.Members = []string{g2.ID, "u2"}
	require.NoError(t, g3.Save())

	ids, err := dg.SelectIDsForUser("u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{g1.ID, g2.ID, g3.ID, PublicGroup}, ids)

	ids, err = dg.SelectIDsForUser("u2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{g3.ID, PublicGroup}, ids)

	ids, err = dg.SelectIDsForUser("stranger")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PublicGroup}, ids)
}

func TestSelectIDsForUserCyclic(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "owner")
	dg := cli.Groups()

	ga, err := dg.CreateGroup("ga", "")
	require.NoError(t, err)
	gb, err := dg.CreateGroup("gb", "")
	require.NoError(t, err)
	ga.Members = []string{"u1", gb.ID}
	gb.Members = []string{ga.ID}
	require.NoError(t, ga.Save())
	require.NoError(t, gb.Save())

	ids, err := dg.SelectIDsForUser("u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ga.ID, gb.ID, PublicGroup}, ids)
}

func TestDeleteGroup(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "u1")
	g, err := cli.Groups().CreateGroup("collab", "")
	require.NoError(t, err)

	// u2 lacks delete permission
	u2cli := newTestClient(t, f, "u2")
	_, err = u2cli.Groups().DeleteGroup(g.ID)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	deleted, err := cli.Groups().DeleteGroup(g.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := cli.Groups().Exists(g.ID)
	require.NoError(t, err)
	assert.False(t, exists)

	// deleting again is a no-op
	deleted, err = cli.Groups().DeleteGroup(g.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestGroupCacheInvalidation(t *testing.T) {
	f := newTestFactory()
	cli := newTestClient(t, f, "u1")

	assert.ElementsMatch(t, []string{PublicGroup}, cli.AllGroupsFor("u2"))

	g, err := cli.Groups().CreateGroup("late", "")
	require.NoError(t, err)
	g.AddMember("u2")
	require.NoError(t, g.Save())

	// Save invalidated the cache, so the new membership is visible
	assert.Contains(t, cli.AllGroupsFor("u2"), g.ID)
}

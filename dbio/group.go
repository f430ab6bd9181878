package dbio

import (
	"encoding/json"
	"fmt"
)

// Group identifier conventions.
const (
	GroupShoulder  = "grp0"
	PeopleShoulder = "ppl0"
)

// Group is a named, owned collection of member principals.  Group
// membership is transitive: a group may contain other groups, and a user's
// effective group set is the closure over membership.
type Group struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Owner       string   `json:"owner"`
	Deactivated float64  `json:"deactivated,omitempty"`
	ACLs        ACLs     `json:"acls"`
	Status      Status   `json:"status"`
	Members     []string `json:"members"`

	cli *DBClient
}

func groupFromMap(doc map[string]interface{}, cli *DBClient) (*Group, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize group document: %w", err)
	}
	var g Group
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("failed to parse group document: %w", err)
	}
	g.cli = cli
	if len(g.ACLs) == 0 {
		g.ACLs = NewACLs(g.Owner)
	}
	g.ACLs.Normalize()
	g.Status.Normalize()
	if g.Members == nil {
		g.Members = []string{}
	}
	return &g, nil
}

// IsMember reports whether the given principal is a direct member.
func (g *Group) IsMember(id string) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

// AddMember adds the given principals as direct members.
func (g *Group) AddMember(ids ...string) {
	for _, id := range ids {
		if id != "" && !g.IsMember(id) {
			g.Members = append(g.Members, id)
		}
	}
}

// RemoveMember removes the given principals from the direct membership.
func (g *Group) RemoveMember(ids ...string) {
	out := g.Members[:0]
	for _, m := range g.Members {
		drop := false
		for _, id := range ids {
			if m == id {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, m)
		}
	}
	g.Members = out
}

// Authorized reports whether the given user (default: the client's user)
// holds all the given permissions on this group.
func (g *Group) Authorized(who string, perms ...string) bool {
	if g.cli == nil {
		return false
	}
	if who == "" {
		who = g.cli.UserID()
	}
	if g.cli.isSuperuser(who) {
		return true
	}
	idents := append([]string{who}, g.cli.AllGroupsFor(who)...)
	for _, p := range perms {
		if !g.ACLs.Granted(p, idents) {
			return false
		}
	}
	return true
}

// Save commits the group to the backend.  Membership edits invalidate the
// client's cached effective-group sets.
func (g *Group) Save() error {
	if g.cli == nil {
		return ConfigError("group %s is not attached to a DBIO client", g.ID)
	}
	if !g.Authorized("", PermWrite) {
		return Unauthorized(g.cli.UserID(), "update group "+g.ID)
	}
	g.Status.SetTimes()
	doc, err := toJSONMap(g)
	if err == nil {
		_, err = g.cli.backend.Upsert(GroupsColl, g.ID, doc)
	}
	if err != nil {
		return fmt.Errorf("failed to save group %s: %w", g.ID, err)
	}
	g.cli.RecacheUserGroups()
	return nil
}

// DBGroups provides access to the group records in a DBIO database on
// behalf of the client's user.
type DBGroups struct {
	cli      *DBClient
	shoulder string
}

// Groups returns the group access interface for this client.
func (c *DBClient) Groups() *DBGroups {
	return &DBGroups{cli: c, shoulder: GroupShoulder}
}

// CreateGroup creates (and saves) a new group owned by foruser (default:
// the client's user).  Only the owner-to-be or a superuser may create it.
// The minted identifier has the form SHOULDER:OWNER:NAME.
func (dg *DBGroups) CreateGroup(name, foruser string) (*Group, error) {
	if name == "" {
		return nil, InvalidUpdate("group name not specified", "", "")
	}
	if foruser == "" {
		foruser = dg.cli.UserID()
	}
	if !dg.cli.authorizedGroupCreate(dg.shoulder, foruser) {
		return nil, Unauthorized(dg.cli.UserID(), "create group for "+foruser)
	}
	if foruser != dg.cli.UserID() {
		if err := dg.cli.validateUserID(foruser); err != nil {
			return nil, err
		}
	}
	if exists, err := dg.NameExists(name, foruser); err != nil {
		return nil, err
	} else if exists {
		return nil, &AlreadyExistsError{
			Message: fmt.Sprintf("user %s has already defined a group with name=%s", foruser, name)}
	}

	gid := fmt.Sprintf("%s:%s:%s", dg.shoulder, foruser, name)
	g := &Group{
		ID:      gid,
		Name:    name,
		Owner:   foruser,
		ACLs:    NewACLs(foruser),
		Members: []string{foruser},
		cli:     dg.cli,
	}
	g.Status.Normalize()
	doc, err := toJSONMap(g)
	if err == nil {
		_, err = dg.cli.backend.Upsert(GroupsColl, g.ID, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save new group %s: %w", gid, err)
	}
	dg.cli.RecacheUserGroups()
	return g, nil
}

// Exists reports whether a group with the given id exists.  Read permission
// is not required.
func (dg *DBGroups) Exists(gid string) (bool, error) {
	doc, err := dg.cli.backend.GetFromColl(GroupsColl, gid)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// NameExists reports whether the given owner has a group with the given
// name.  Deactivated groups count.
func (dg *DBGroups) NameExists(name, owner string) (bool, error) {
	if owner == "" {
		owner = dg.cli.UserID()
	}
	docs, err := dg.cli.backend.SelectFromColl(GroupsColl, true,
		map[string]interface{}{"name": name, "owner": owner})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// Get returns the group with the given id.  Requires read permission.
func (dg *DBGroups) Get(gid string) (*Group, error) {
	doc, err := dg.cli.backend.GetFromColl(GroupsColl, gid)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, NotFound(gid)
	}
	g, err := groupFromMap(doc, dg.cli)
	if err != nil {
		return nil, err
	}
	if !g.Authorized("", PermRead) {
		return nil, Unauthorized(dg.cli.UserID(), "read group "+gid)
	}
	return g, nil
}

// GetByName returns the group the given owner assigned the given name, or
// nil if there is none readable by the client's user.
func (dg *DBGroups) GetByName(name, owner string) (*Group, error) {
	if owner == "" {
		owner = dg.cli.UserID()
	}
	docs, err := dg.cli.backend.SelectFromColl(GroupsColl, true,
		map[string]interface{}{"name": name, "owner": owner})
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		g, err := groupFromMap(doc, dg.cli)
		if err != nil {
			return nil, err
		}
		if g.Authorized("", PermRead) {
			return g, nil
		}
	}
	return nil, nil
}

// DeleteGroup removes the group with the given id.  Requires delete
// permission.  Returns true if a group was removed.
func (dg *DBGroups) DeleteGroup(gid string) (bool, error) {
	doc, err := dg.cli.backend.GetFromColl(GroupsColl, gid)
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	g, err := groupFromMap(doc, dg.cli)
	if err != nil {
		return false, err
	}
	if !g.Authorized("", PermDelete) {
		return false, Unauthorized(dg.cli.UserID(), "delete group "+gid)
	}
	deleted, err := dg.cli.backend.DeleteFrom(GroupsColl, gid)
	if err != nil {
		return false, fmt.Errorf("failed to delete group %s: %w", gid, err)
	}
	dg.cli.RecacheUserGroups()
	return deleted, nil
}

// SelectIDsForUser returns the ids of all groups the given user is an
// effective (transitive) member of, always including the public group.
// The search walks the membership reverse index breadth-first until a fixed
// point is reached.
func (dg *DBGroups) SelectIDsForUser(uid string) ([]string, error) {
	seen := map[string]bool{}
	frontier := []string{uid}
	for len(frontier) > 0 {
		var next []string
		for _, member := range frontier {
			docs, err := dg.cli.backend.SelectPropContains(GroupsColl, "members", member, false)
			if err != nil {
				return nil, err
			}
			for _, doc := range docs {
				gid, _ := doc["id"].(string)
				if gid == "" || seen[gid] {
					continue
				}
				seen[gid] = true
				next = append(next, gid)
			}
		}
		frontier = next
	}
	out := make([]string, 0, len(seen)+1)
	for gid := range seen {
		out = append(out, gid)
	}
	if !seen[PublicGroup] {
		out = append(out, PublicGroup)
	}
	return out, nil
}

func toJSONMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to reload serialized document: %w", err)
	}
	return out, nil
}

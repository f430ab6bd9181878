package dbio

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProjectRecord is a mutable draft of a digital asset record (a DMP or DAP)
// held in a DBIO collection.  It carries the client-editable domain payload
// (Data), service book-keeping fields (Meta), an embedded Status, and
// per-permission access control lists.  All fields other than the
// unexported client plumbing round-trip through JSON as the stored document.
type ProjectRecord struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Owner       string                 `json:"owner"`
	Type        string                 `json:"type,omitempty"`
	Deactivated float64                `json:"deactivated,omitempty"`
	ACLs        ACLs                   `json:"acls"`
	Status      Status                 `json:"status"`
	Data        map[string]interface{} `json:"data"`
	Meta        map[string]interface{} `json:"meta"`
	Curators    []string               `json:"curators,omitempty"`

	cli  *DBClient
	coll string

	// authACLs snapshots the permissions as they were when the record was
	// loaded from (or last committed to) the backend.  In-flight ACL edits
	// must not authorize the save that would commit them.
	authACLs ACLs
}

// NewProjectRecord constitutes a record for the given collection attached to
// the given client, normalizing its status and ACLs.
func NewProjectRecord(coll string, doc map[string]interface{}, cli *DBClient) (*ProjectRecord, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record document: %w", err)
	}
	var rec ProjectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record document: %w", err)
	}
	rec.attach(coll, cli)
	return &rec, nil
}

func (r *ProjectRecord) attach(coll string, cli *DBClient) {
	r.cli = cli
	r.coll = coll
	r.Type = coll
	if len(r.ACLs) == 0 {
		r.ACLs = NewACLs(r.Owner)
	}
	r.ACLs.Normalize()
	r.Status.Normalize()
	if r.Data == nil {
		r.Data = map[string]interface{}{}
	}
	if r.Meta == nil {
		r.Meta = map[string]interface{}{}
	}
	r.snapshotAuth()
}

func (r *ProjectRecord) snapshotAuth() {
	r.authACLs = r.ACLs.Clone()
}

// Collection returns the name of the collection this record belongs to.
func (r *ProjectRecord) Collection() string { return r.coll }

// IsDeactivated reports whether the record has been hidden from default
// selection.
func (r *ProjectRecord) IsDeactivated() bool { return r.Deactivated > 0 }

// Deactivate hides the record from default selection.  It remains
// retrievable by id.  Returns true if the record's state changed.
func (r *ProjectRecord) Deactivate() bool {
	if r.IsDeactivated() {
		return false
	}
	r.Deactivated = nowStamp()
	return true
}

// Reactivate undoes a Deactivate.  Returns true if the record's state
// changed.
func (r *ProjectRecord) Reactivate() bool {
	if !r.IsDeactivated() {
		return false
	}
	r.Deactivated = 0
	return true
}

// Authorized reports whether the given user holds all of the given
// permissions on this record.  All transitive groups of the user are taken
// into account, as is the implicit public group.  Superusers (from the
// client configuration) pass unconditionally.  The permissions are checked
// against the ACLs as they stood at load time so that in-flight ACL edits
// cannot authorize themselves.  An empty who means the client's user.
func (r *ProjectRecord) Authorized(who string, perms ...string) bool {
	if r.cli == nil {
		return false
	}
	if who == "" {
		who = r.cli.UserID()
	}
	if r.cli.isSuperuser(who) {
		return true
	}
	idents := append([]string{who}, r.cli.AllGroupsFor(who)...)
	for _, p := range perms {
		if !r.authACLs.Granted(p, idents) {
			return false
		}
	}
	return true
}

// AuthorizedAny reports whether the given user holds at least one of the
// given permissions on this record.
func (r *ProjectRecord) AuthorizedAny(who string, perms ...string) bool {
	if r.cli != nil && r.cli.isSuperuser(orUser(who, r.cli)) {
		return true
	}
	for _, p := range perms {
		if r.Authorized(who, p) {
			return true
		}
	}
	return false
}

func orUser(who string, cli *DBClient) string {
	if who == "" {
		return cli.UserID()
	}
	return who
}

// GrantPermTo adds the given principals to the named permission's ACL.
// Requires admin permission.
func (r *ProjectRecord) GrantPermTo(perm string, ids ...string) error {
	if !r.Authorized("", PermAdmin) {
		return Unauthorized(r.cli.UserID(), "grant permissions on "+r.ID)
	}
	r.ACLs.Grant(perm, ids...)
	return nil
}

// RevokePermFrom removes the given principals from the named permission's
// ACL.  Requires admin permission.  When protectOwner is true, the owner's
// read and admin grants are never removed (unless the client runs with the
// unprotect-owner compatibility flag).
func (r *ProjectRecord) RevokePermFrom(perm string, protectOwner bool, ids ...string) error {
	if !r.Authorized("", PermAdmin) {
		return Unauthorized(r.cli.UserID(), "revoke permissions on "+r.ID)
	}
	if r.cli.cfg.Compat.UnprotectOwner {
		protectOwner = false
	}
	r.ACLs.Revoke(perm, r.Owner, protectOwner, ids...)
	return nil
}

// Reassign makes the given user the record's owner, granting them the full
// permission set.  The former owner's grants are left in place.  Requires
// admin permission.  When a people service is configured, the new owner is
// validated against it.
func (r *ProjectRecord) Reassign(who string) error {
	if !r.Authorized("", PermAdmin) {
		return Unauthorized(r.cli.UserID(), "reassign record "+r.ID)
	}
	if who == "" {
		return InvalidUpdate("new owner not specified", r.ID, "")
	}
	if err := r.cli.validateUserID(who); err != nil {
		return err
	}
	r.Owner = who
	for _, p := range OwnerPerms() {
		r.ACLs.Grant(p, who)
	}
	return nil
}

// Save commits any updates to the backend.  The record's modification time
// is stamped first; if the backend write fails the pre-save timestamps are
// restored so the in-memory record still reflects what is stored.
func (r *ProjectRecord) Save() error {
	if r.cli == nil {
		return ConfigError("record %s is not attached to a DBIO client", r.ID)
	}
	if !r.Authorized("", PermWrite) {
		return Unauthorized(r.cli.UserID(), "update record "+r.ID)
	}
	oldmod, oldcre, oldsince := r.Status.Modified, r.Status.Created, r.Status.Since
	r.Status.SetTimes()
	doc, err := r.toMap()
	if err == nil {
		_, err = r.cli.backend.Upsert(r.coll, r.ID, doc)
	}
	if err != nil {
		r.Status.Modified, r.Status.Created, r.Status.Since = oldmod, oldcre, oldsince
		return fmt.Errorf("failed to save record %s: %w", r.ID, err)
	}
	r.snapshotAuth()
	return nil
}

// Validate checks the record's structural validity, returning a list of
// problem statements (empty when valid).
func (r *ProjectRecord) Validate() []string {
	var errs []string
	if r.ID == "" {
		errs = append(errs, "record is missing its 'id' property")
	}
	if r.ACLs == nil {
		errs = append(errs, "missing 'acls' property")
	} else {
		for _, p := range OwnerPerms() {
			if _, ok := r.ACLs[p]; !ok {
				errs = append(errs, "ACLs: missing permission: "+p)
			}
		}
	}
	return errs
}

// Searched evaluates the restricted constraint grammar against this record:
// a top-level "$and" list whose members are either dotted-path equality
// tests or nested "$or" lists of such tests.  It is used by backends that
// lack native query support.
func (r *ProjectRecord) Searched(constraints map[string]interface{}) (bool, error) {
	doc, err := r.toMap()
	if err != nil {
		return false, err
	}
	andList, _ := constraints["$and"].([]interface{})
	andConds := map[string]interface{}{}
	orConds := map[string][]interface{}{}
	for _, cond := range andList {
		condm, ok := cond.(map[string]interface{})
		if !ok {
			continue
		}
		for key, value := range condm {
			if key == "$or" {
				orList, _ := value.([]interface{})
				for _, oc := range orList {
					ocm, ok := oc.(map[string]interface{})
					if !ok {
						continue
					}
					for ok2, ov := range ocm {
						orConds[ok2] = append(orConds[ok2], ov)
					}
				}
			} else {
				andConds[key] = value
			}
		}
	}

	for key, value := range andConds {
		if !pathEquals(doc, key, value) {
			return false, nil
		}
	}
	if len(orConds) == 0 {
		return true, nil
	}
	for key, values := range orConds {
		for _, value := range values {
			if pathEquals(doc, key, value) {
				return true, nil
			}
		}
	}
	return false, nil
}

// pathEquals tests a dotted-path equality constraint against generic JSON
// data.
func pathEquals(doc map[string]interface{}, path string, want interface{}) bool {
	cur := interface{}(doc)
	for _, step := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return false
		}
		cur, ok = m[step]
		if !ok {
			return false
		}
	}
	return jsonEqual(cur, want)
}

func jsonEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	ra, erra := json.Marshal(a)
	rb, errb := json.Marshal(b)
	return erra == nil && errb == nil && string(ra) == string(rb)
}

// toMap serializes the record into the generic document form stored by
// backends.
func (r *ProjectRecord) toMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record %s: %w", r.ID, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to reload serialized record %s: %w", r.ID, err)
	}
	return out, nil
}

// ToView renders the record the way API clients see it, with human-readable
// date renderings alongside the raw timestamps.
func (r *ProjectRecord) ToView() (map[string]interface{}, error) {
	out, err := r.toMap()
	if err != nil {
		return nil, err
	}
	if st, ok := out["status"].(map[string]interface{}); ok {
		st["createdDate"] = r.Status.CreatedDate()
		st["modifiedDate"] = r.Status.ModifiedDate()
		st["sinceDate"] = r.Status.SinceDate()
	}
	return out, nil
}

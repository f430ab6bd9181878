package dbio

// The base permissions attachable to a record.  Custom permissions may be
// defined by particular record types (e.g. "publish" on project records).
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermAdmin  = "admin"
	PermDelete = "delete"
)

// OwnerPerms lists the base permission set.  Selecting records with this set
// returns every record the user has any kind of handle on.
func OwnerPerms() []string {
	return []string{PermRead, PermWrite, PermAdmin, PermDelete}
}

// ACLs maps a permission name to the list of principal identifiers (user or
// group ids) granted that permission.
type ACLs map[string][]string

// NewACLs creates an ACL set granting the four base permissions to the
// given owner.
func NewACLs(owner string) ACLs {
	out := ACLs{}
	for _, p := range OwnerPerms() {
		out[p] = []string{owner}
	}
	return out
}

// Granted reports whether any of the given principal ids appears in the list
// for the named permission.
func (a ACLs) Granted(perm string, ids []string) bool {
	for _, granted := range a[perm] {
		for _, id := range ids {
			if granted == id {
				return true
			}
		}
	}
	return false
}

// IterPermGranted returns the principals currently granted the named
// permission.
func (a ACLs) IterPermGranted(perm string) []string {
	return append([]string{}, a[perm]...)
}

// Grant adds the given principals to the list for the named permission.
// Principals already on the list are not duplicated.
func (a ACLs) Grant(perm string, ids ...string) {
	cur := a[perm]
	for _, id := range ids {
		found := false
		for _, g := range cur {
			if g == id {
				found = true
				break
			}
		}
		if !found {
			cur = append(cur, id)
		}
	}
	a[perm] = cur
}

// Revoke removes the given principals from the list for the named
// permission.  When protectOwner is true and the permission is read or
// admin, the given owner is never removed.
func (a ACLs) Revoke(perm string, owner string, protectOwner bool, ids ...string) {
	keepOwner := protectOwner && (perm == PermRead || perm == PermAdmin)
	out := a[perm][:0]
	for _, g := range a[perm] {
		drop := false
		for _, id := range ids {
			if g == id {
				drop = true
				break
			}
		}
		if drop && keepOwner && g == owner {
			drop = false
		}
		if !drop {
			out = append(out, g)
		}
	}
	a[perm] = out
}

// RevokeAll empties the list for the named permission, subject to the same
// owner protection as Revoke.
func (a ACLs) RevokeAll(perm string, owner string, protectOwner bool) {
	if protectOwner && (perm == PermRead || perm == PermAdmin) {
		a[perm] = []string{owner}
		return
	}
	a[perm] = []string{}
}

// Clone returns a deep copy of the ACL set.
func (a ACLs) Clone() ACLs {
	out := make(ACLs, len(a))
	for p, ids := range a {
		out[p] = append([]string{}, ids...)
	}
	return out
}

// Normalize ensures the four base permission lists exist.  Records loaded
// from older documents may be missing lists.  The owner's grants are
// established at creation (NewACLs), not re-imposed on load: published
// copies deliberately carry stripped ACLs.
func (a ACLs) Normalize() {
	for _, p := range OwnerPerms() {
		if _, ok := a[p]; !ok {
			a[p] = []string{}
		}
	}
}

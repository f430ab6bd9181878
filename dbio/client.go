package dbio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"midas.oar.dev/common"
	"midas.oar.dev/prov"
)

// Standard DBIO collection names.
const (
	DAPProjects   = "dap"
	DMPProjects   = "dmp"
	GroupsColl    = "groups"
	PeopleColl    = "people"
	ProvActionLog = "prov_action_log"
	HistoryColl   = "history"
)

// AnonymousUser is the user id operations run under when no identity was
// established.
const AnonymousUser = prov.Anonymous

// PublicGroup is the group every user is implicitly a member of.
const PublicGroup = prov.PublicGroup

// Backend is the set of leaf storage operations a DBIO driver must provide.
// Records are exchanged as generic JSON documents.  GetFromColl returns nil
// (and no error) for a missing record.
type Backend interface {
	// Upsert writes the record to the named collection, replacing any
	// previous version.  It returns true if the record did not previously
	// exist.
	Upsert(coll, id string, rec map[string]interface{}) (bool, error)

	// GetFromColl retrieves a record by id, or nil if it does not exist.
	GetFromColl(coll, id string) (map[string]interface{}, error)

	// SelectFromColl returns the records matching all the given top-level
	// property equality constraints.  A constraint value that is a slice
	// matches if any element matches.  Deactivated records are skipped
	// unless includeDeactivated is set.
	SelectFromColl(coll string, includeDeactivated bool, constraints map[string]interface{}) ([]map[string]interface{}, error)

	// SelectPropContains returns the records whose named list-valued
	// property contains the target value.
	SelectPropContains(coll, prop, target string, includeDeactivated bool) ([]map[string]interface{}, error)

	// AdvSelectFromColl returns the records matching a validated
	// $and/$or filter.  Drivers without native query support return
	// ErrQueryNotSupported.
	AdvSelectFromColl(coll string, filter map[string]interface{}, includeDeactivated bool) ([]map[string]interface{}, error)

	// DeleteFrom removes a record, reporting whether one was removed.
	DeleteFrom(coll, id string) (bool, error)

	// NextRecNum atomically claims the next number in the named shoulder's
	// sequence.
	NextRecNum(shoulder string) (int, error)

	// TryPushRecNum returns the given number to the shoulder's sequence if
	// and only if it is still the top of the sequence; this recovers the
	// number for an immediately deleted record.  It reports whether the
	// number was pushed back.
	TryPushRecNum(shoulder string, n int) (bool, error)

	// SaveActionData appends a provenance action document to the action
	// log.  The document carries its subject id under "subject".
	SaveActionData(act map[string]interface{}) error

	// SelectActionsFor returns the logged actions for a subject id in the
	// order they were recorded.
	SelectActionsFor(id string) ([]map[string]interface{}, error)

	// DeleteActionsFor purges the logged actions for a subject id.
	DeleteActionsFor(id string) error

	// SaveHistory appends an archived action-log document to the history
	// collection.
	SaveHistory(histrec map[string]interface{}) error

	// Close releases any resources held by the driver.
	Close() error
}

// PermSelector is an optional Backend capability: drivers with a native
// query engine can pre-filter a selection down to records granting any of
// the given permissions to any of the given principals.  The client still
// verifies authorization on each returned record.
type PermSelector interface {
	SelectForPerms(coll string, perms, idents []string, includeDeactivated bool) ([]map[string]interface{}, error)
}

// PeopleService resolves user identifiers against an institutional
// directory.  It is consulted (when configured) before ownership is handed
// to a user the system has not seen.
type PeopleService interface {
	// UserExists reports whether the directory knows the given user id.
	UserExists(id string) (bool, error)
}

// Notifier receives best-effort notifications of record changes.  Failures
// are logged by the client and never affect the triggering operation.
type Notifier interface {
	Notify(event RecordEvent) error
}

// RecordEvent describes a change to a record for downstream listeners.
type RecordEvent struct {
	Operation string `json:"operation"`
	Project   string `json:"project"`
	RecordID  string `json:"record_id"`
	Name      string `json:"name,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Compat gates preserved legacy quirks.  Each flag reproduces a behaviour
// of the predecessor system; leaving a flag unset selects the fixed
// behaviour.
type Compat struct {
	// LegacyReassign restores the old publish-time reassign call shape in
	// which the disowning flag was silently dropped.
	LegacyReassign bool

	// LaxQueryValidation accepts advanced-query filters whose nested
	// structure was never fully checked by the old validator.
	LaxQueryValidation bool

	// StrictHistoryExtras reproduces the old failure when an action log is
	// closed with no extra archive data.
	StrictHistoryExtras bool

	// UnprotectOwner allows revocations to strip the owner's read and
	// admin grants even when the caller did not ask for that.
	UnprotectOwner bool
}

// ClientConfig carries the authorization-related configuration for a
// DBClient.
type ClientConfig struct {
	DefaultShoulder         string
	AllowedProjectShoulders []string
	AllowedGroupShoulders   []string
	Superusers              []string
	Compat                  Compat
}

// DBClient provides backend-agnostic access to the records of one project
// collection on behalf of one user.  The people/group caches live on the
// client and must not be shared across actors.
type DBClient struct {
	backend  Backend
	cfg      ClientConfig
	proj     string
	who      string
	peopsvc  PeopleService
	notifier Notifier
	log      *logrus.Entry

	mu         sync.Mutex
	groupCache map[string][]string
}

// NewDBClient creates a client for the given project collection acting for
// the given user.  peopsvc and notifier may be nil.
func NewDBClient(backend Backend, cfg ClientConfig, projcoll, foruser string,
	peopsvc PeopleService, notifier Notifier) *DBClient {

	if foruser == "" {
		foruser = AnonymousUser
	}
	return &DBClient{
		backend:    backend,
		cfg:        cfg,
		proj:       projcoll,
		who:        foruser,
		peopsvc:    peopsvc,
		notifier:   notifier,
		log:        common.Logger.WithFields(logrus.Fields{"service": "dbio", "coll": projcoll}),
		groupCache: map[string][]string{},
	}
}

// Project returns the name of the project collection this client operates
// on.
func (c *DBClient) Project() string { return c.proj }

// UserID returns the id of the user this client acts for.
func (c *DBClient) UserID() string { return c.who }

// Backend exposes the underlying driver (for restorers and tests).
func (c *DBClient) Backend() Backend { return c.backend }

// ClientFor returns a client for a different collection sharing this
// client's backend, user, and configuration.  When sudo is true the derived
// client treats its user as a superuser; the publishing machinery uses this
// to write into the published collections.
func (c *DBClient) ClientFor(projcoll string, sudo bool) *DBClient {
	cfg := c.cfg
	if sudo {
		cfg.Superusers = append(append([]string{}, cfg.Superusers...), c.who)
	}
	return NewDBClient(c.backend, cfg, projcoll, c.who, c.peopsvc, c.notifier)
}

func (c *DBClient) isSuperuser(who string) bool {
	for _, su := range c.cfg.Superusers {
		if su == who {
			return true
		}
	}
	return false
}

// AllGroupsFor returns the given user's effective (transitive) group set,
// caching the result until RecacheUserGroups is called.
func (c *DBClient) AllGroupsFor(who string) []string {
	c.mu.Lock()
	cached, ok := c.groupCache[who]
	c.mu.Unlock()
	if ok {
		return cached
	}
	groups, err := c.Groups().SelectIDsForUser(who)
	if err != nil {
		c.log.WithField("user", who).Warnf("failed to resolve group memberships: %v", err)
		return []string{PublicGroup}
	}
	sort.Strings(groups)
	c.mu.Lock()
	c.groupCache[who] = groups
	c.mu.Unlock()
	return groups
}

// UserGroups returns the effective group set of this client's user.
func (c *DBClient) UserGroups() []string { return c.AllGroupsFor(c.who) }

// RecacheUserGroups invalidates the cached effective-group sets.  Call this
// after changing any group's membership.
func (c *DBClient) RecacheUserGroups() {
	c.mu.Lock()
	c.groupCache = map[string][]string{}
	c.mu.Unlock()
}

func (c *DBClient) validateUserID(who string) error {
	if c.peopsvc == nil {
		return nil
	}
	ok, err := c.peopsvc.UserExists(who)
	if err != nil {
		c.log.Warnf("people service unavailable while validating %s: %v", who, err)
		return nil
	}
	if !ok {
		return InvalidUpdate(fmt.Sprintf("%s: not a recognized user identifier", who), "", "")
	}
	return nil
}

func (c *DBClient) defaultShoulder() (string, error) {
	if c.cfg.DefaultShoulder == "" {
		return "", ConfigError("missing required configuration parameter: default_shoulder")
	}
	return c.cfg.DefaultShoulder, nil
}

func (c *DBClient) authorizedProjectCreate(shoulder, who string) bool {
	shoulders := append([]string{}, c.cfg.AllowedProjectShoulders...)
	if c.cfg.DefaultShoulder != "" {
		shoulders = append(shoulders, c.cfg.DefaultShoulder)
	}
	return c.authorizedCreate(shoulder, shoulders, who)
}

func (c *DBClient) authorizedGroupCreate(shoulder, who string) bool {
	shoulders := append([]string{GroupShoulder}, c.cfg.AllowedGroupShoulders...)
	return c.authorizedCreate(shoulder, shoulders, who)
}

func (c *DBClient) authorizedCreate(shoulder string, shoulders []string, who string) bool {
	if who != c.who && !c.isSuperuser(c.who) {
		return false
	}
	for _, s := range shoulders {
		if s == shoulder {
			return true
		}
	}
	return false
}

// MintID claims the next number in the shoulder's sequence and renders it
// as a record id of the form SHOULDER:NNNN (number zero-padded to at least
// four digits).
func (c *DBClient) MintID(shoulder string) (string, error) {
	n, err := c.backend.NextRecNum(shoulder)
	if err != nil {
		return "", fmt.Errorf("failed to mint id under shoulder %s: %w", shoulder, err)
	}
	return fmt.Sprintf("%s:%04d", shoulder, n), nil
}

// ParseID splits a minted record id into its shoulder and sequence number.
// It returns ok=false for ids not produced by MintID.
func ParseID(id string) (shoulder string, num int, ok bool) {
	var n int
	var sh string
	i := lastColon(id)
	if i < 0 {
		return "", 0, false
	}
	sh = id[:i]
	if _, err := fmt.Sscanf(id[i+1:], "%d", &n); err != nil || sh == "" {
		return "", 0, false
	}
	return sh, n, true
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// CreateRecord creates (and saves) a new project record with a freshly
// minted identifier.  Only a superuser can create a record for another
// user (foruser).  An owner may hold only one record with a given name.
func (c *DBClient) CreateRecord(name, shoulder, foruser string) (*ProjectRecord, error) {
	if foruser == "" {
		foruser = c.who
	}
	if shoulder == "" {
		var err error
		if shoulder, err = c.defaultShoulder(); err != nil {
			return nil, err
		}
	}
	if !c.authorizedProjectCreate(shoulder, foruser) {
		return nil, Unauthorized(c.who, "create record under shoulder "+shoulder)
	}
	if exists, err := c.NameExists(name, foruser); err != nil {
		return nil, err
	} else if exists {
		return nil, &AlreadyExistsError{
			Message: fmt.Sprintf("user %s has already defined a record with name=%s", foruser, name)}
	}

	id, err := c.MintID(shoulder)
	if err != nil {
		return nil, err
	}
	rec := &ProjectRecord{
		ID:    id,
		Name:  name,
		Owner: foruser,
		ACLs:  NewACLs(foruser),
		Data:  map[string]interface{}{},
		Meta:  map[string]interface{}{},
	}
	rec.Status.CreatedBy = c.who
	rec.attach(c.proj, c)
	if err := rec.Save(); err != nil {
		return nil, err
	}
	c.notify("create", rec)
	return rec, nil
}

// Exists reports whether a record with the given id exists in the project
// collection.  Read permission is not required.
func (c *DBClient) Exists(id string) (bool, error) {
	doc, err := c.backend.GetFromColl(c.proj, id)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// NameExists reports whether the given owner (default: the client's user)
// has a record with the given name.  Deactivated records count.
func (c *DBClient) NameExists(name, owner string) (bool, error) {
	if owner == "" {
		owner = c.who
	}
	docs, err := c.backend.SelectFromColl(c.proj, true,
		map[string]interface{}{"name": name, "owner": owner})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// GetRecordByName returns the record the given owner assigned the given
// name, or nil if there is none readable by the client's user.
func (c *DBClient) GetRecordByName(name, owner string) (*ProjectRecord, error) {
	if owner == "" {
		owner = c.who
	}
	docs, err := c.backend.SelectFromColl(c.proj, true,
		map[string]interface{}{"name": name, "owner": owner})
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		rec, err := NewProjectRecord(c.proj, doc, c)
		if err != nil {
			return nil, err
		}
		if rec.Authorized("", PermRead) {
			return rec, nil
		}
	}
	return nil, nil
}

// GetRecordFor returns the record with the given id if the client's user
// holds all the given permissions (default: read) on it.
func (c *DBClient) GetRecordFor(id string, perms ...string) (*ProjectRecord, error) {
	if len(perms) == 0 {
		perms = []string{PermRead}
	}
	doc, err := c.backend.GetFromColl(c.proj, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, NotFound(id)
	}
	rec, err := NewProjectRecord(c.proj, doc, c)
	if err != nil {
		return nil, err
	}
	if !rec.Authorized("", perms...) {
		return nil, Unauthorized(c.who, fmt.Sprintf("access record %s with %v permission", id, perms))
	}
	return rec, nil
}

// Supported constraint names for SelectRecords.
var selectableProps = map[string]string{
	"name":         "name",
	"id":           "id",
	"owner":        "owner",
	"status_state": "status.state",
}

// SelectRecords returns the records for which the client's user holds at
// least one of the given permissions (default: any base permission),
// filtered by the supported constraints.  Multi-valued constraints are
// OR-ed within a name and AND-ed across names.
func (c *DBClient) SelectRecords(perms []string, constraints map[string][]string) ([]*ProjectRecord, error) {
	if len(perms) == 0 {
		perms = OwnerPerms()
	}
	for name := range constraints {
		if _, ok := selectableProps[name]; !ok {
			return nil, InvalidUpdate("unsupported search constraint: "+name, "", "")
		}
	}

	var docs []map[string]interface{}
	var err error
	if ps, ok := c.backend.(PermSelector); ok && !c.isSuperuser(c.who) {
		idents := append([]string{c.who}, c.AllGroupsFor(c.who)...)
		docs, err = ps.SelectForPerms(c.proj, perms, idents, false)
	} else {
		docs, err = c.backend.SelectFromColl(c.proj, false, nil)
	}
	if err != nil {
		return nil, err
	}
	var out []*ProjectRecord
	for _, doc := range docs {
		rec, err := NewProjectRecord(c.proj, doc, c)
		if err != nil {
			c.log.Warnf("skipping unreadable record document: %v", err)
			continue
		}
		if !rec.AuthorizedAny("", perms...) {
			continue
		}
		if !matchesConstraints(rec, constraints) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func matchesConstraints(rec *ProjectRecord, constraints map[string][]string) bool {
	for name, values := range constraints {
		if len(values) == 0 {
			continue
		}
		var got string
		switch selectableProps[name] {
		case "name":
			got = rec.Name
		case "id":
			got = rec.ID
		case "owner":
			got = rec.Owner
		case "status.state":
			got = rec.Status.State
		}
		matched := false
		for _, v := range values {
			if got == v {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// queryOperators are the operators accepted in advanced-query filters.
var queryOperators = map[string]bool{
	"$and": true, "$or": true, "$not": true, "$nor": true, "$eq": true,
	"$ne": true, "$gt": true, "$gte": true, "$lt": true, "$lte": true,
	"$in": true, "$nin": true, "$exists": true, "$type": true, "$mod": true,
	"$regex": true, "$text": true, "$all": true, "$elemMatch": true,
	"$size": true,
}

// CheckQueryStructure validates the structure of an advanced-query filter:
// every operator key must be recognized, recursively.  With
// Compat.LaxQueryValidation, only the first key of each nesting level is
// checked, matching the old validator's early return.
func (c *DBClient) CheckQueryStructure(query map[string]interface{}) bool {
	return c.checkQueryLevel(query, true)
}

func (c *DBClient) checkQueryLevel(query map[string]interface{}, top bool) bool {
	if len(query) == 0 {
		return !top
	}
	for key, val := range query {
		if len(key) > 0 && key[0] == '$' && !queryOperators[key] {
			return false
		}
		switch v := val.(type) {
		case map[string]interface{}:
			if !c.checkQueryLevel(v, false) {
				return false
			}
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					if !c.checkQueryLevel(m, false) {
						return false
					}
				}
			}
		}
		if c.cfg.Compat.LaxQueryValidation {
			return true
		}
	}
	return true
}

// AdvSelectRecords returns the records matching the restricted $and/$or
// filter grammar for which the client's user holds at least one of the
// given permissions.  The filter structure is validated first.
func (c *DBClient) AdvSelectRecords(filter map[string]interface{}, perms []string) ([]*ProjectRecord, error) {
	if len(perms) == 0 {
		perms = OwnerPerms()
	}
	if filter == nil || !c.CheckQueryStructure(filter) {
		return nil, InvalidUpdate("invalid query filter structure", "", "")
	}
	docs, err := c.backend.AdvSelectFromColl(c.proj, filter, false)
	if err != nil {
		return nil, err
	}
	var out []*ProjectRecord
	for _, doc := range docs {
		rec, err := NewProjectRecord(c.proj, doc, c)
		if err != nil {
			c.log.Warnf("skipping unreadable record document: %v", err)
			continue
		}
		if rec.AuthorizedAny("", perms...) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteRecord removes the record with the given id.  Requires delete
// permission.  The shoulder's sequence number is recovered when the record
// was the most recently minted.  Returns true if a record was removed.
func (c *DBClient) DeleteRecord(id string) (bool, error) {
	rec, err := c.GetRecordFor(id, PermDelete)
	if err != nil {
		return false, err
	}
	deleted, err := c.backend.DeleteFrom(c.proj, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if deleted {
		if shoulder, num, ok := ParseID(id); ok {
			if _, err := c.backend.TryPushRecNum(shoulder, num); err != nil {
				c.log.Warnf("failed to recover record number %d for %s: %v", num, shoulder, err)
			}
		}
		c.notify("delete", rec)
	}
	return deleted, nil
}

// RecordAction persists a provenance action.  The action's subject must
// identify an existing record the client's user can write.  Failures here
// are the caller's to swallow: the project service treats provenance as
// best-effort.
func (c *DBClient) RecordAction(act *prov.Action) error {
	if act.Subject == "" {
		return InvalidUpdate("action is missing a subject id", "", "")
	}
	subj := rootSubject(act.Subject)
	if _, err := c.GetRecordFor(subj, PermWrite); err != nil {
		return err
	}
	doc, err := act.ToMap()
	if err != nil {
		return err
	}
	doc["subject"] = subj
	if err := c.backend.SaveActionData(doc); err != nil {
		return fmt.Errorf("failed to save action for %s: %w", subj, err)
	}
	return nil
}

// rootSubject strips a part qualifier ("id#data.title") from a subject id.
func rootSubject(subj string) string {
	for i := 0; i < len(subj); i++ {
		if subj[i] == '#' {
			return subj[:i]
		}
	}
	return subj
}

// SelectActionsFor returns the logged provenance actions for a record the
// client's user can read.
func (c *DBClient) SelectActionsFor(id string) ([]*prov.Action, error) {
	if _, err := c.GetRecordFor(id, PermRead); err != nil {
		return nil, err
	}
	docs, err := c.backend.SelectActionsFor(id)
	if err != nil {
		return nil, err
	}
	out := make([]*prov.Action, 0, len(docs))
	for _, doc := range docs {
		act, err := prov.ActionFromMap(doc)
		if err != nil {
			c.log.Warnf("skipping unparseable logged action for %s: %v", id, err)
			continue
		}
		out = append(out, act)
	}
	return out, nil
}

// CloseActionLog archives all logged actions for the given record into a
// history document ending with the given closing action, then purges the
// log.  The archive inherits the record's read ACL; write and admin are
// stripped.  An empty log is skipped unless force is set.
func (c *DBClient) CloseActionLog(rec *ProjectRecord, closing *prov.Action,
	extra map[string]interface{}, force bool) error {

	if !rec.Authorized("", PermWrite) {
		return Unauthorized(c.who, "close record history for id="+rec.ID)
	}
	history, err := c.backend.SelectActionsFor(rec.ID)
	if err != nil {
		return err
	}
	if len(history) == 0 && !force {
		return nil
	}
	closedoc, err := closing.ToMap()
	if err != nil {
		return err
	}
	history = append(history, closedoc)

	if extra == nil {
		if c.cfg.Compat.StrictHistoryExtras {
			return fmt.Errorf("no extra archive data provided for %s history", rec.ID)
		}
		extra = map[string]interface{}{}
	}

	closeLabel := closing.Type
	if closing.Type == prov.ActionProcess && closing.Object != nil {
		closeLabel = fmt.Sprintf("%s:%v", closing.Type, closing.Object)
	}
	archive := map[string]interface{}{
		"recid":        rec.ID,
		"close_action": closeLabel,
	}
	for k, v := range extra {
		if k == "recid" || k == "close_action" {
			continue
		}
		archive[k] = v
	}
	archive["acls"] = map[string]interface{}{
		"read": rec.ACLs.IterPermGranted(PermRead),
	}
	archive["history"] = history

	if err := c.backend.SaveHistory(archive); err != nil {
		return fmt.Errorf("failed to archive action log for %s: %w", rec.ID, err)
	}
	return c.backend.DeleteActionsFor(rec.ID)
}

func (c *DBClient) notify(op string, rec *ProjectRecord) {
	if c.notifier == nil {
		return
	}
	ev := RecordEvent{
		Operation: op,
		Project:   c.proj,
		RecordID:  rec.ID,
		Name:      rec.Name,
		Agent:     c.who,
		Timestamp: stampDate(nowStamp()),
	}
	if err := c.notifier.Notify(ev); err != nil {
		c.log.Warnf("failed to deliver %s notification for %s: %v", op, rec.ID, err)
	}
}

// ClientFactory creates DBClients bound to a particular backend
// implementation.
type ClientFactory interface {
	// CreateClient creates a client for the given project collection
	// acting for the given user.
	CreateClient(projcoll, foruser string) (*DBClient, error)
}

// BackendClientFactory creates clients over an already-constructed
// backend.  Several service flavours can share one backend while carrying
// different authorization configurations.
type BackendClientFactory struct {
	backend  Backend
	cfg      ClientConfig
	peopsvc  PeopleService
	notifier Notifier
}

// NewBackendClientFactory creates the factory.
func NewBackendClientFactory(backend Backend, cfg ClientConfig, peopsvc PeopleService,
	notifier Notifier) *BackendClientFactory {

	return &BackendClientFactory{backend: backend, cfg: cfg, peopsvc: peopsvc, notifier: notifier}
}

// CreateClient implements ClientFactory.
func (f *BackendClientFactory) CreateClient(projcoll, foruser string) (*DBClient, error) {
	return NewDBClient(f.backend, f.cfg, projcoll, foruser, f.peopsvc, f.notifier), nil
}

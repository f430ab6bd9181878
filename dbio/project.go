package dbio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"

	"midas.oar.dev/common"
	"midas.oar.dev/prov"
)

// maxPatchBytes bounds the size of a JSON-Patch stored in a provenance
// action; larger diffs are summarized instead.
const maxPatchBytes = 16384

// ValidationIssue is one test applied to a record's content.
type ValidationIssue struct {
	Type          string `json:"type"` // "req", "warn", or "rec"
	Label         string `json:"label,omitempty"`
	Specification string `json:"specification"`
	Passed        bool   `json:"passed"`
}

// ValidationResults aggregates the outcome of validating a record.
type ValidationResults struct {
	Issues []ValidationIssue `json:"issues"`
}

// Add appends an issue outcome.
func (r *ValidationResults) Add(typ, spec string, passed bool) {
	r.Issues = append(r.Issues, ValidationIssue{Type: typ, Specification: spec, Passed: passed})
}

// Failed returns the specifications of failed issues of the given type
// ("" for all types).
func (r *ValidationResults) Failed(typ string) []string {
	var out []string
	for _, iss := range r.Issues {
		if !iss.Passed && (typ == "" || iss.Type == typ) {
			out = append(out, iss.Specification)
		}
	}
	return out
}

// CountFailed returns the number of failed issues of the given type.
func (r *ValidationResults) CountFailed(typ string) int { return len(r.Failed(typ)) }

// Validator checks record content.  The full NERDm schema validation is an
// external concern; implementations plug in here.
type Validator interface {
	// MinimalValidate applies the cheap structural checks run on every
	// update.
	MinimalValidate(data map[string]interface{}, id string) *ValidationResults

	// FullValidate applies the complete pre-submission check suite.
	FullValidate(rec *ProjectRecord) *ValidationResults
}

// defaultValidator applies only structural minima.
type defaultValidator struct{}

func (defaultValidator) MinimalValidate(data map[string]interface{}, id string) *ValidationResults {
	res := &ValidationResults{}
	res.Add("req", "data payload must be a JSON object", data != nil)
	return res
}

func (defaultValidator) FullValidate(rec *ProjectRecord) *ValidationResults {
	res := &ValidationResults{}
	res.Add("req", "record must have a name", rec.Name != "")
	res.Add("req", "data payload must be a JSON object", rec.Data != nil)
	return res
}

// UpdateLevelFunc decides which version field to increment for a revision,
// comparing the last-published data with the about-to-be-published data.
type UpdateLevelFunc func(oldData, newData map[string]interface{}) int

// ServiceConfig carries the project service's own configuration, beyond
// what the DBIO client needs.
type ServiceConfig struct {
	// ARKNaan is the institution's name-assigning-authority number used
	// when mapping draft ids into ARK form.
	ARKNaan string

	// DefaultPerms grants additional principals permissions on every new
	// record (permission name -> principal ids).
	DefaultPerms map[string][]string

	// ResolverBaseURL is prepended to published ids to form release
	// history location URLs.
	ResolverBaseURL string
}

// DefaultARKNaan is the NAAN used when none is configured.
const DefaultARKNaan = "88434"

// ProjectService is the stateful workflow engine over one project
// collection.  It enforces the record lifecycle (edit, finalize, submit,
// publish), coordinates external-review callbacks, maintains versions and
// release histories, and records provenance for every change.  A service
// instance acts for one agent.
type ProjectService struct {
	dbcli     *DBClient
	cfg       ServiceConfig
	who       *prov.Agent
	validator Validator
	updateLev UpdateLevelFunc
	log       *logrus.Entry

	// Multi-step transitions take a coarse per-record lock; backends only
	// guarantee atomicity of single upserts.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProjectService creates a service over the given client acting for the
// given agent.  A nil validator selects the structural default.
func NewProjectService(dbcli *DBClient, cfg ServiceConfig, who *prov.Agent,
	validator Validator) *ProjectService {

	if who == nil {
		who = prov.NewAgent("midas", prov.AgentInvalid, "")
	}
	if validator == nil {
		validator = defaultValidator{}
	}
	if cfg.ARKNaan == "" {
		cfg.ARKNaan = DefaultARKNaan
	}
	return &ProjectService{
		dbcli:     dbcli,
		cfg:       cfg,
		who:       who,
		validator: validator,
		updateLev: func(_, _ map[string]interface{}) int { return MinorVersionLevel },
		log: common.Logger.WithFields(logrus.Fields{
			"service": "project", "coll": dbcli.Project()}),
		locks: map[string]*sync.Mutex{},
	}
}

// SetUpdateLevelFunc replaces the revision-level heuristic.
func (s *ProjectService) SetUpdateLevelFunc(f UpdateLevelFunc) {
	if f != nil {
		s.updateLev = f
	}
}

// User returns the agent this service acts for.
func (s *ProjectService) User() *prov.Agent { return s.who }

// DBClient returns the underlying DBIO client.
func (s *ProjectService) DBClient() *DBClient { return s.dbcli }

func (s *ProjectService) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Exists reports whether the identified record exists.
func (s *ProjectService) Exists(id string) (bool, error) { return s.dbcli.Exists(id) }

// GetRecord returns the record with the given id (requires read).
func (s *ProjectService) GetRecord(id string) (*ProjectRecord, error) {
	return s.dbcli.GetRecordFor(id, PermRead)
}

// GetStatus returns a copy of the record's status.
func (s *ProjectService) GetStatus(id string) (*Status, error) {
	rec, err := s.GetRecord(id)
	if err != nil {
		return nil, err
	}
	return rec.Status.Clone(), nil
}

// CreateRecord creates a new record named by the user, optionally seeded
// with initial data and meta.  Superusers may create records for another
// user by setting meta["foruser"].  A CREATE provenance action is recorded.
func (s *ProjectService) CreateRecord(name string, data, meta map[string]interface{}) (*ProjectRecord, error) {
	shoulder, foruser := s.idShoulderFor(meta)
	rec, err := s.dbcli.CreateRecord(name, shoulder, foruser)
	if err != nil {
		return nil, err
	}

	if meta != nil {
		s.moderateMetadata(meta, shoulder)
		for k, v := range meta {
			rec.Meta[k] = v
		}
	} else {
		rec.Meta = s.newMetadataFor(shoulder)
	}
	rec.Data = s.newDataFor(rec.ID, rec.Meta)

	for perm, principals := range s.cfg.DefaultPerms {
		rec.ACLs.Grant(perm, principals...)
	}

	rec.Status.Act(ActionCreate, "draft created", -1)
	if err := rec.Save(); err != nil {
		return nil, err
	}
	s.recordAction(prov.NewAction(prov.ActionCreate, rec.ID, s.who, "", nil))

	if data != nil {
		if _, err := s.updateData(rec.ID, data, "", "", rec); err != nil {
			return nil, err
		}
	}
	s.log.Infof("Created %s record %s (%s) for %s", s.dbcli.Project(), rec.ID, rec.Name, s.who)
	return rec, nil
}

// idShoulderFor determines the shoulder and owner for a new record from
// the requested metadata.
func (s *ProjectService) idShoulderFor(meta map[string]interface{}) (shoulder, foruser string) {
	if meta != nil {
		if fu, ok := meta["foruser"].(string); ok && fu != "" && s.dbcli.isSuperuser(s.dbcli.UserID()) {
			foruser = fu
		}
		if sh, ok := meta["shoulder"].(string); ok {
			shoulder = sh
		}
	}
	return shoulder, foruser
}

// newDataFor returns the default "empty" data skeleton for a record with
// the given identifier.
func (s *ProjectService) newDataFor(recid string, meta map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{}
}

// newMetadataFor returns the initial book-keeping metadata for a record
// minted under the given shoulder.
func (s *ProjectService) newMetadataFor(shoulder string) map[string]interface{} {
	return map[string]interface{}{}
}

// moderateMetadata filters client-proposed metadata; meta properties are
// not client-editable after creation, and some are reserved outright.
func (s *ProjectService) moderateMetadata(meta map[string]interface{}, shoulder string) {
	delete(meta, "sipid")
	delete(meta, "aipid")
	if shoulder != "" {
		meta["shoulder"] = shoulder
	}
}

// GetData returns the record's data, or the part of it addressed by the
// slash-delimited pointer.
func (s *ProjectService) GetData(id, part string) (interface{}, error) {
	rec, err := s.GetRecord(id)
	if err != nil {
		return nil, err
	}
	return extractDataPart(rec.Data, part, id)
}

func extractDataPart(data map[string]interface{}, part, id string) (interface{}, error) {
	if part == "" {
		return data, nil
	}
	cur := interface{}(data)
	for _, step := range strings.Split(part, "/") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, PartNotFound(id, part)
		}
		cur, ok = m[step]
		if !ok {
			return nil, PartNotFound(id, part)
		}
	}
	return cur, nil
}

// UpdateData merges the given data into the record's current content.
// With a part pointer, only the addressed subtree is updated: intermediate
// maps are auto-created, and at the leaf a map merges into a map while any
// other combination replaces.  The merged result is minimally validated and
// saved, and a PATCH provenance action carrying a JSON-Patch of the change
// is recorded.  A published record is first prepared for revision
// (update-prep).
func (s *ProjectService) UpdateData(id string, newdata map[string]interface{}, part, message string) (interface{}, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.updateData(id, newdata, part, message, nil)
}

func (s *ProjectService) updateData(id string, newdata map[string]interface{}, part, message string,
	rec *ProjectRecord) (interface{}, error) {

	var err error
	if rec == nil {
		if rec, err = s.dbcli.GetRecordFor(id, PermWrite); err != nil {
			return nil, err
		}
	}
	if rec.Status.State == StatePublished {
		s.log.Infof("%s: Preparing published record for revision", id)
		if err := s.prepForUpdate(rec, ""); err != nil {
			return nil, err
		}
	}
	if rec.Status.State != StateEdit && rec.Status.State != StateReady {
		return nil, NotEditable(id, rec.Status.State)
	}

	var olddata interface{}
	if part == "" {
		olddata = deepCopyDoc(rec.Data)
		mergeInto(newdata, rec.Data, -1)
	} else {
		var perr error
		olddata, perr = applyPartUpdate(rec, part, newdata)
		if perr != nil {
			return nil, perr
		}
	}

	if message == "" {
		message = "draft updated"
	}
	provact := s.patchAction(rec, part, olddata, message)

	if err := s.saveData(rec, message, ActionUpdate); err != nil {
		var ire *InvalidRecordError
		if asInvalid(err, &ire) {
			provact.Message = "Failed to save update due to invalid data: " + ire.FormatErrors()
		} else {
			s.log.Errorf("Failed to save update for project %s: %v", rec.ID, err)
			provact.Message = "Failed to save update due to an internal error"
		}
		s.recordAction(provact)
		return nil, err
	}
	s.recordAction(provact)

	s.log.Infof("Updated data for %s record %s (%s) for %s",
		s.dbcli.Project(), rec.ID, rec.Name, s.who)
	return extractDataPart(rec.Data, part, rec.ID)
}

func asInvalid(err error, target **InvalidRecordError) bool {
	return errors.As(err, target)
}

// applyPartUpdate walks the slash-delimited pointer, auto-creating
// intermediate maps, and merges or replaces at the leaf.  It returns the
// replaced value for diffing.
func applyPartUpdate(rec *ProjectRecord, part string, newdata interface{}) (interface{}, error) {
	steps := strings.Split(part, "/")
	data := rec.Data
	var olddata interface{}
	for i, step := range steps {
		last := i == len(steps)-1
		cur, exists := data[step]
		if !exists || cur == nil {
			if last {
				data[step] = newdata
				return nil, nil
			}
			next := map[string]interface{}{}
			data[step] = next
			data = next
			continue
		}
		if last {
			olddata = deepCopyValue(cur)
			curMap, curIsMap := cur.(map[string]interface{})
			newMap, newIsMap := newdata.(map[string]interface{})
			if curIsMap && newIsMap {
				mergeInto(newMap, curMap, -1)
			} else {
				data[step] = newdata
			}
			return olddata, nil
		}
		curMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &PartNotAccessibleError{RecordID: rec.ID, Part: part}
		}
		data = curMap
	}
	return olddata, nil
}

// mergeInto recursively merges update into base: maps merge in place,
// everything else (arrays included) replaces wholesale.  A non-negative
// depth bounds the recursion.
func mergeInto(update, base map[string]interface{}, depth int) {
	if depth == 0 {
		return
	}
	for prop, val := range update {
		bval, exists := base[prop]
		bmap, bIsMap := bval.(map[string]interface{})
		umap, uIsMap := val.(map[string]interface{})
		if exists && bIsMap && uIsMap {
			if depth < 0 || depth > 1 {
				mergeInto(umap, bmap, depth-1)
			}
			continue
		}
		base[prop] = val
	}
}

func deepCopyValue(v interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// patchAction builds the PATCH provenance action for an update, attaching a
// JSON-Patch from the pre-merge value to the post-merge one when the change
// is small enough and a summary otherwise.
func (s *ProjectService) patchAction(rec *ProjectRecord, part string, olddata interface{}, message string) *prov.Action {
	newval := interface{}(rec.Data)
	if part != "" {
		newval, _ = extractDataPart(rec.Data, part, rec.ID)
	}
	obj := s.jsonDiff(olddata, newval)
	if part != "" {
		act := prov.NewAction(prov.ActionPatch, rec.ID, s.who, message, nil)
		act.AddSubaction(prov.NewAction(prov.ActionPatch, subjectFor(rec.ID, part),
			s.who, "updating data."+part, obj))
		return act
	}
	return prov.NewAction(prov.ActionPatch, rec.ID, s.who, message, obj)
}

// jsonDiff renders an RFC 6902 patch from old to updated, falling back to
// a summary when the patch is oversized or undiffable.
func (s *ProjectService) jsonDiff(old, updated interface{}) interface{} {
	patch, err := jsondiff.Compare(old, updated)
	if err != nil {
		return map[string]interface{}{"summary": "change could not be rendered as a patch"}
	}
	raw, err := json.Marshal(patch)
	if err != nil || len(raw) > maxPatchBytes {
		return map[string]interface{}{
			"summary": fmt.Sprintf("large change (%d operations)", len(patch)),
		}
	}
	var generic interface{}
	if json.Unmarshal(raw, &generic) != nil {
		return map[string]interface{}{"summary": "change could not be rendered as a patch"}
	}
	return map[string]interface{}{"jsonpatch": generic}
}

// saveData validates the record's data minimally, then saves it, recording
// the given status action.
func (s *ProjectService) saveData(rec *ProjectRecord, message, action string) error {
	res := s.validator.MinimalValidate(rec.Data, rec.ID)
	if failed := res.Failed("req"); len(failed) > 0 {
		return InvalidUpdate("rejected update contains invalid data", rec.ID, "", failed...)
	}
	if action != "" {
		rec.Status.Act(action, message, -1)
	}
	return rec.Save()
}

// ReplaceData replaces the record's data (or the part addressed by the
// pointer) outright, starting from the default skeleton.
func (s *ProjectService) ReplaceData(id string, newdata map[string]interface{}, part, message string) (interface{}, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermWrite)
	if err != nil {
		return nil, err
	}
	if rec.Status.State == StatePublished {
		if err := s.prepForUpdate(rec, ""); err != nil {
			return nil, err
		}
	}
	if rec.Status.State != StateEdit && rec.Status.State != StateReady {
		return nil, NotEditable(id, rec.Status.State)
	}

	olddata := deepCopyDoc(rec.Data)
	if part == "" {
		base := s.newDataFor(rec.ID, rec.Meta)
		mergeInto(newdata, base, -1)
		rec.Data = base
	} else {
		if _, err := setDataPart(rec, part, newdata); err != nil {
			return nil, err
		}
	}

	if message == "" {
		message = "draft data replaced"
	}
	provact := prov.NewAction(prov.ActionPut, rec.ID, s.who, message, s.jsonDiff(olddata, rec.Data))
	if err := s.saveData(rec, message, ActionUpdate); err != nil {
		provact.Message = "Failed to replace data: " + err.Error()
		s.recordAction(provact)
		return nil, err
	}
	s.recordAction(provact)
	return extractDataPart(rec.Data, part, rec.ID)
}

// setDataPart overwrites the value at the pointer, auto-creating
// intermediate maps.
func setDataPart(rec *ProjectRecord, part string, newdata interface{}) (interface{}, error) {
	steps := strings.Split(part, "/")
	data := rec.Data
	for i, step := range steps {
		last := i == len(steps)-1
		if last {
			old := data[step]
			data[step] = newdata
			return old, nil
		}
		cur, exists := data[step]
		if !exists || cur == nil {
			next := map[string]interface{}{}
			data[step] = next
			data = next
			continue
		}
		curMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &PartNotAccessibleError{RecordID: rec.ID, Part: part}
		}
		data = curMap
	}
	return nil, nil
}

// ClearData resets the record's data to the default skeleton, or, with a
// part pointer, removes the addressed subtree.  It returns false (with no
// error) if the part did not exist.
func (s *ProjectService) ClearData(id, part, message string) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermWrite)
	if err != nil {
		return false, err
	}
	if rec.Status.State == StatePublished {
		if err := s.prepForUpdate(rec, ""); err != nil {
			return false, err
		}
	}
	if rec.Status.State != StateEdit && rec.Status.State != StateReady {
		return false, NotEditable(id, rec.Status.State)
	}

	if message == "" {
		message = "draft data cleared"
		if part != "" {
			message = "draft data." + strings.ReplaceAll(part, "/", ".") + " cleared"
		}
	}

	if part == "" {
		rec.Data = s.newDataFor(rec.ID, rec.Meta)
	} else {
		steps := strings.Split(part, "/")
		data := rec.Data
		for i, step := range steps {
			last := i == len(steps)-1
			cur, exists := data[step]
			if !exists {
				return false, nil
			}
			if last {
				delete(data, step)
				break
			}
			curMap, ok := cur.(map[string]interface{})
			if !ok {
				return false, nil
			}
			data = curMap
		}
	}

	if err := s.saveData(rec, message, ActionClear); err != nil {
		return false, err
	}
	s.recordAction(prov.NewAction(prov.ActionDelete, subjectFor(rec.ID, part), s.who, message, nil))
	return true, nil
}

func subjectFor(recid, part string) string {
	if part == "" {
		return recid
	}
	return recid + "#data." + strings.ReplaceAll(part, "/", ".")
}

// DeleteRecord deletes a never-published record outright (archiving its
// action log).  A previously published record is not erased: its data is
// restored to the last-published snapshot and the stub is kept.
func (s *ProjectService) DeleteRecord(id string) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermDelete)
	if err != nil {
		return false, err
	}

	if rec.Status.PublishedAs != "" {
		if err := s.restoreLastPublished(rec, "record reverted to last published version"); err != nil {
			return false, err
		}
		s.recordAction(prov.NewAction(prov.ActionDelete, rec.ID, s.who,
			"delete requested for published record; reverted to published version", nil))
		return false, nil
	}

	closing := prov.NewAction(prov.ActionDelete, rec.ID, s.who, "record deleted", nil)
	if err := s.dbcli.CloseActionLog(rec, closing, map[string]interface{}{}, false); err != nil {
		s.log.Warnf("failed to archive action log for %s: %v", rec.ID, err)
	}
	return s.dbcli.DeleteRecord(id)
}

// Review runs the full validation suite against the record without
// changing its state.
func (s *ProjectService) Review(id string) (*ValidationResults, error) {
	rec, err := s.GetRecord(id)
	if err != nil {
		return nil, err
	}
	return s.validator.FullValidate(rec), nil
}

// UpdateStatusMessage sets the status message without applying any other
// change.
func (s *ProjectService) UpdateStatusMessage(id, message string) (*Status, error) {
	rec, err := s.dbcli.GetRecordFor(id, PermWrite)
	if err != nil {
		return nil, err
	}
	rec.Status.Message = message
	if err := rec.Save(); err != nil {
		return nil, err
	}
	return rec.Status.Clone(), nil
}

// recordAction persists a provenance action, best-effort: failures are
// logged and never surface to the triggering operation.
func (s *ProjectService) recordAction(act *prov.Action) {
	act.TimestampNow()
	if err := s.dbcli.RecordAction(act); err != nil {
		s.log.Warnf("failed to record provenance for %s: %v", act.Subject, err)
	}
}

// trySave saves a record, logging instead of failing; used while handling
// another error.
func (s *ProjectService) trySave(rec *ProjectRecord) {
	if err := rec.Save(); err != nil {
		s.log.Warnf("failed to save status of %s while handling an error: %v", rec.ID, err)
	}
}

// ProjectServiceFactory creates ProjectService instances bound to a
// particular project type and backend.
type ProjectServiceFactory struct {
	projType  string
	dbfactory ClientFactory
	cfg       ServiceConfig
	validator Validator
}

// NewProjectServiceFactory creates the factory.
func NewProjectServiceFactory(projType string, dbfactory ClientFactory, cfg ServiceConfig,
	validator Validator) *ProjectServiceFactory {

	return &ProjectServiceFactory{projType: projType, dbfactory: dbfactory, cfg: cfg, validator: validator}
}

// ProjectType returns the project collection name services are created
// for.
func (f *ProjectServiceFactory) ProjectType() string { return f.projType }

// CreateServiceFor creates a service acting for the given agent.
func (f *ProjectServiceFactory) CreateServiceFor(who *prov.Agent) (*ProjectService, error) {
	actor := ""
	if who != nil {
		actor = who.Actor()
	}
	cli, err := f.dbfactory.CreateClient(f.projType, actor)
	if err != nil {
		return nil, err
	}
	return NewProjectService(cli, f.cfg, who, f.validator), nil
}

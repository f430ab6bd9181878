package dbio

import (
	"fmt"
	"regexp"
	"strings"

	"midas.oar.dev/prov"
)

var recidRe = regexp.MustCompile(`^(\w+):([\w\-/]+)$`)

// ArkifyRecID maps a DBIO draft identifier (SHOULDER:LOCAL) into its
// institutional ARK form, ark:/NAAN/SHOULDER-LOCAL.  Identifiers not in
// the minted form are returned unchanged.
func (s *ProjectService) ArkifyRecID(recid string) string {
	if strings.HasPrefix(recid, "ark:") {
		return recid
	}
	m := recidRe.FindStringSubmatch(recid)
	if m == nil {
		return recid
	}
	return fmt.Sprintf("ark:/%s/%s-%s", s.cfg.ARKNaan, m[1], m[2])
}

// Finalize applies the final automated updates to a draft in preparation
// for publication: the published version and @id are assigned, the release
// history is updated, and the full validation suite is run.  On success the
// record enters the ready state; on validation failure it reverts to edit
// and the errors are surfaced.
func (s *ProjectService) Finalize(id, message string) (*Status, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermWrite)
	if err != nil {
		return nil, err
	}
	return s.finalize(rec, message, true)
}

func (s *ProjectService) finalize(rec *ProjectRecord, message string, resetState bool) (*Status, error) {
	if rec.Status.State != StateEdit && rec.Status.State != StateReady {
		return nil, NotEditable(rec.ID, rec.Status.State)
	}

	rec.Status.SetState(StateProcessing, -1)
	rec.Status.Act(ActionFinalize, "in progress", -1)
	if err := rec.Save(); err != nil {
		return nil, err
	}

	defmsg, err := s.applyFinalUpdates(rec, message)
	if err != nil {
		var ire *InvalidRecordError
		if asInvalid(err, &ire) {
			emsg := "finalize process failed: " + ire.Error()
			s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, emsg,
				map[string]interface{}{"name": "finalize", "errors": ire.Errors}))
			rec.Status.SetState(StateEdit, -1)
			rec.Status.Act(ActionFinalize, ire.FormatErrors(), -1)
		} else {
			s.log.Errorf("Failed to finalize project record %s: %v", rec.ID, err)
			emsg := "Failed to finalize due to an internal error"
			s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, emsg,
				map[string]interface{}{"name": "finalize", "errors": []string{emsg}}))
			rec.Status.SetState(StateEdit, -1)
			rec.Status.Act(ActionFinalize, emsg, -1)
		}
		s.trySave(rec)
		return nil, err
	}

	s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, defmsg,
		map[string]interface{}{"name": "finalize"}))
	if resetState {
		rec.Status.SetState(StateReady, -1)
	}
	if message == "" {
		message = defmsg
	}
	rec.Status.Act(ActionFinalize, message, -1)
	if err := rec.Save(); err != nil {
		return nil, err
	}
	s.log.Infof("Finalized %s record %s (%s) for %s",
		s.dbcli.Project(), rec.ID, rec.Name, s.who)
	return rec.Status.Clone(), nil
}

// applyFinalUpdates runs the finalization pipeline: data transformations,
// version assignment, @id assignment, release-history maintenance, and
// final validation.  It returns the default completion message.
func (s *ProjectService) applyFinalUpdates(rec *ProjectRecord, message string) (string, error) {
	level := s.finalizeData(rec)

	version, err := s.finalizeVersion(rec, level)
	if err != nil {
		return "", InvalidUpdate(err.Error(), rec.ID, "")
	}
	arkid := s.finalizeID(rec)
	s.updateReleaseHistory(rec, arkid, version, message)

	note := ""
	res := s.validator.FullValidate(rec)
	if res == nil {
		s.log.Warnf("%s: No final validations applied!", rec.ID)
	} else if failed := res.Failed("req"); len(failed) > 0 {
		return "", InvalidUpdate("Final validation checks failed", rec.ID, "", failed...)
	} else if res.CountFailed("warn") > 0 {
		note = " (some warnings detected)"
		rec.Status.Todo = issuesAsTodo(res)
	}
	return fmt.Sprintf("draft is ready for submission as %s, %s%s", arkid, version, note), nil
}

func issuesAsTodo(res *ValidationResults) []map[string]interface{} {
	var out []map[string]interface{}
	for _, iss := range res.Issues {
		if !iss.Passed {
			out = append(out, map[string]interface{}{
				"type": iss.Type, "description": iss.Specification,
			})
		}
	}
	return out
}

// finalizeData applies project-type-specific data transformations and
// returns the version increment level the data's state calls for (a
// negative value selects the default).
func (s *ProjectService) finalizeData(rec *ProjectRecord) int {
	return -1
}

// finalizeVersion determines the version string the record will be
// published as and saves it into the data as "@version".  A draft-suffixed
// version has its suffix dropped and the level-selected field incremented;
// an unset version becomes 1.0.0.
func (s *ProjectService) finalizeVersion(rec *ProjectRecord, level int) (string, error) {
	cur, _ := rec.Data["@version"].(string)
	if level < 0 {
		// a record that has never been published keeps its drafted base
		// version; revisions consult the update-level heuristic
		if old := s.lastPublishedData(rec); old != nil {
			level = s.updateLev(old, rec.Data)
		}
	}
	vers, err := FinalizeVersion(cur, level)
	if err != nil {
		return "", err
	}
	rec.Data["@version"] = vers
	return vers, nil
}

// lastPublishedData fetches the data of the last published copy, or nil if
// the record has never been published.
func (s *ProjectService) lastPublishedData(rec *ProjectRecord) map[string]interface{} {
	if rec.Status.ArchivedAt == "" {
		return nil
	}
	restorer, err := RestorerFromArchivedAt(rec.Status.ArchivedAt, s.dbcli)
	if err != nil {
		return nil
	}
	defer restorer.Free()
	data, err := restorer.GetData()
	if err != nil {
		return nil
	}
	return data
}

// finalizeID assigns the record's published identifier if it does not have
// one yet, returning it.
func (s *ProjectService) finalizeID(rec *ProjectRecord) string {
	if cur, ok := rec.Data["@id"].(string); ok && cur != "" {
		return cur
	}
	arkid := s.ArkifyRecID(rec.ID)
	rec.Data["@id"] = arkid
	return arkid
}

// updateReleaseHistory inserts or updates the current version's entry in
// the record's release history, attaching the finalization message as the
// release description.
func (s *ProjectService) updateReleaseHistory(rec *ProjectRecord, arkid, version, message string) {
	hist, _ := rec.Data["releaseHistory"].(map[string]interface{})
	if hist == nil {
		hist = map[string]interface{}{
			"@id":   arkid + "/pdr:v",
			"@type": []interface{}{"nrdr:ReleaseHistory"},
		}
		rec.Data["releaseHistory"] = hist
	}
	releases, _ := hist["hasRelease"].([]interface{})

	entry := map[string]interface{}{
		"version": version,
		"@id":     arkid + "/pdr:v/" + version,
		"issued":  stampDate(nowStamp()),
	}
	if message != "" {
		entry["description"] = message
	}
	if s.cfg.ResolverBaseURL != "" {
		entry["location"] = s.cfg.ResolverBaseURL + "/id/" + arkid + "/pdr:v/" + version
	}

	replaced := false
	for i, r := range releases {
		rm, ok := r.(map[string]interface{})
		if ok && rm["version"] == version {
			releases[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		releases = append(releases, entry)
	}
	hist["hasRelease"] = releases
}

// Submit finalizes the record and sends it to its post-editing
// destination.  On an invalid record the state reverts to edit; otherwise
// the record ends in the state the submission machinery reports (submitted,
// accepted, in press, or published).
func (s *ProjectService) Submit(id, message string) (*Status, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermAdmin)
	if err != nil {
		return nil, err
	}
	if rec.Status.State != StateEdit && rec.Status.State != StateReady {
		return nil, NotSubmitable(rec.ID, "Project not in submitable state: "+rec.Status.State)
	}
	if _, err := s.finalize(rec, message, false); err != nil {
		return nil, err
	}

	poststat, err := s.submitRecord(rec)
	if err != nil {
		var ire *InvalidRecordError
		if asInvalid(err, &ire) {
			emsg := "submit process failed: " + ire.Error()
			s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, emsg,
				map[string]interface{}{"name": "submit", "errors": ire.Errors}))
			rec.Status.SetState(StateEdit, -1)
			rec.Status.Act(ActionSubmit, ire.FormatErrors(), -1)
			s.trySave(rec)
			return nil, SubmissionFailed(rec.ID, "Invalid record could not be submitted: "+ire.Error())
		}
		emsg := "Submit process failed due to an internal error"
		s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, emsg,
			map[string]interface{}{"name": "submit", "errors": []string{emsg}}))
		rec.Status.SetState(StateEdit, -1)
		rec.Status.Act(ActionSubmit, emsg, -1)
		s.trySave(rec)
		return nil, SubmissionFailed(rec.ID, "Submission action failed: "+err.Error())
	}

	if message == "" {
		if vers, _ := rec.Data["@version"].(string); vers == "" || vers == "1.0.0" {
			message = "Initial version " + poststat
		} else {
			message = "Revision " + poststat
		}
	}
	s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, message,
		map[string]interface{}{"name": "submit"}))
	rec.Status.SetState(poststat, -1)
	rec.Status.Act(ActionSubmit, message, -1)
	if err := rec.Save(); err != nil {
		return nil, err
	}

	s.log.Infof("Submitted %s record %s (%s) for %s",
		s.dbcli.Project(), rec.ID, rec.Name, s.who)
	s.dbcli.notify("submit", rec)
	return rec.Status.Clone(), nil
}

// submitRecord sends the finalized record to its post-editing destination
// and returns the label of its post-editing state.  The generic behaviour
// publishes immediately.
func (s *ProjectService) submitRecord(rec *ProjectRecord) (string, error) {
	return s.publishRecord(rec)
}

// Publish performs the terminal transition: the record must be submitted
// or accepted (and all external reviews approved), and on success archived
// copies land in the published collections.  On failure the record state
// becomes unwell.
func (s *ProjectService) Publish(id string) (*Status, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermAdmin)
	if err != nil {
		return nil, err
	}
	return s.publish(rec)
}

func (s *ProjectService) publish(rec *ProjectRecord) (*Status, error) {
	stat := &rec.Status
	switch stat.State {
	case StatePublished:
		return nil, NotSubmitable(rec.ID, "Already published")
	case StateInPress:
		return nil, NotSubmitable(rec.ID, "Publication already in progress")
	case StateEdit, StateReady:
		return nil, NotSubmitable(rec.ID, "Project has not been submitted for publication yet")
	case StateSubmitted, StateAccepted:
	default:
		return nil, NotSubmitable(rec.ID, "Project not in a publishable state: "+stat.State)
	}
	if stat.State != StateAccepted && !stat.ReviewsApproved() {
		return nil, NotSubmitable(rec.ID, "Not all external reviews are completed")
	}

	s.log.Infof("Submitting rec %s for publication", rec.ID)
	poststat, err := s.publishRecord(rec)
	if err == nil && poststat != StatePublished && poststat != StateInPress {
		err = fmt.Errorf("publishing submission returned unexpected state: %s", poststat)
	}
	if err != nil {
		var ire *InvalidRecordError
		if asInvalid(err, &ire) {
			emsg := "publishing process failed: " + ire.Error()
			s.log.Error(emsg)
			s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, emsg,
				map[string]interface{}{"name": "publish", "errors": ire.Errors}))
			stat.SetState(StateUnwell, -1)
			stat.Act(ActionPublish, ire.FormatErrors(), -1)
		} else {
			emsg := "Publishing process failed due to an internal error"
			s.log.Errorf("%s: %v", emsg, err)
			s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, emsg,
				map[string]interface{}{"name": "publish", "errors": []string{emsg}}))
			stat.SetState(StateUnwell, -1)
			stat.Act(ActionPublish, emsg+": "+err.Error(), -1)
		}
		s.trySave(rec)
		return nil, err
	}

	message := "Revised"
	if vers, _ := rec.Data["@version"].(string); vers == "" || vers == "1.0.0" {
		message = "Initial"
	}
	message += " publication"
	if poststat == StatePublished {
		message += " successful"
	} else {
		message += " in progress"
	}
	s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, message,
		map[string]interface{}{"name": "publish"}))
	stat.SetState(poststat, -1)
	stat.Act(ActionPublish, message, -1)
	if err := rec.Save(); err != nil {
		return nil, err
	}
	s.dbcli.notify("publish", rec)
	return stat.Clone(), nil
}

// publishRecord writes the archived copies of the record: one replacing
// the previous copy in <projtype>_latest under the ARK id, and one
// immutable copy in <projtype>_version under the version-qualified id.
// Both copies lose write/admin/delete and grant read to the public group.
func (s *ProjectService) publishRecord(rec *ProjectRecord) (string, error) {
	endstate := StatePublished
	version, _ := rec.Data["@version"].(string)
	if version == "" {
		version = "0"
	}
	arkid := s.ArkifyRecID(rec.ID)
	latestColl := s.dbcli.Project() + "_latest"
	versionColl := s.dbcli.Project() + "_version"

	latestcli := s.dbcli.ClientFor(latestColl, true)
	versioncli := s.dbcli.ClientFor(versionColl, true)

	basedoc, err := rec.toMap()
	if err != nil {
		return "", SubmissionFailed(rec.ID, err.Error())
	}

	writeCopy := func(cli *DBClient, id string) error {
		doc := deepCopyDoc(basedoc)
		doc["id"] = id
		pubrec, err := NewProjectRecord(cli.Project(), doc, cli)
		if err != nil {
			return err
		}
		pubrec.Status.SetState(endstate, -1)

		// no one can delete, write, or admin (superusers aside);
		// everyone can read
		pubrec.ACLs.RevokeAll(PermDelete, pubrec.Owner, false)
		pubrec.ACLs.RevokeAll(PermWrite, pubrec.Owner, false)
		pubrec.ACLs.RevokeAll(PermAdmin, pubrec.Owner, false)
		pubrec.ACLs.RevokeAll(PermRead, pubrec.Owner, false)
		pubrec.ACLs.Grant(PermRead, PublicGroup)
		pubrec.snapshotAuth()
		return pubrec.Save()
	}

	if err := writeCopy(versioncli, arkid+"/pdr:v/"+version); err != nil {
		s.log.Errorf("%s: Problem with publication submission: %v", rec.ID, err)
		return "", SubmissionFailed(rec.ID, err.Error())
	}
	if err := writeCopy(latestcli, arkid); err != nil {
		s.log.Errorf("%s: Problem with publication submission: %v", rec.ID, err)
		return "", SubmissionFailed(rec.ID, err.Error())
	}

	if endstate == StatePublished {
		rec.Status.Publish(arkid, version, fmt.Sprintf("dbio_store:%s/%s", latestColl, arkid))
	}
	s.log.Infof("Successfully published %s as %s version %s (into %s collection)",
		rec.ID, arkid, version, latestColl)
	return endstate, nil
}

// prepForUpdate returns a published record to the edit state, restoring
// its data from the last published copy and marking the version as a
// draft.
func (s *ProjectService) prepForUpdate(rec *ProjectRecord, message string) error {
	if rec.Status.ArchivedAt == "" {
		return SubmissionFailed(rec.ID, "published record has no archived copy to revise from")
	}
	restorer, err := RestorerFromArchivedAt(rec.Status.ArchivedAt, s.dbcli)
	if err != nil {
		return err
	}
	defer restorer.Free()
	if err := restorer.Restore(rec); err != nil {
		return err
	}
	if vers, _ := rec.Data["@version"].(string); vers != "" {
		rec.Data["@version"] = DraftVersionFor(vers)
	}
	if message == "" {
		message = "draft reopened for revision"
	}
	rec.Status.SetState(StateEdit, -1)
	rec.Status.Act(ActionUpdatePrep, message, -1)
	if err := rec.Save(); err != nil {
		return err
	}
	s.recordAction(prov.NewAction(prov.ActionProcess, rec.ID, s.who, message,
		map[string]interface{}{"name": ActionUpdatePrep}))
	return nil
}

// restoreLastPublished resets the record's data to the last published
// snapshot (used by DeleteRecord on published records).
func (s *ProjectService) restoreLastPublished(rec *ProjectRecord, message string) error {
	if rec.Status.ArchivedAt == "" {
		return NotFound(rec.ID)
	}
	restorer, err := RestorerFromArchivedAt(rec.Status.ArchivedAt, s.dbcli)
	if err != nil {
		return err
	}
	defer restorer.Free()
	if err := restorer.Restore(rec); err != nil {
		return err
	}
	rec.Status.SetState(StatePublished, -1)
	rec.Status.Act(ActionRestore, message, -1)
	return rec.Save()
}

// ApplyExternalReview registers review activity from an external review
// system and returns the resulting record state.  With requestChanges set
// and the record in the submitted state, the record reopens for editing.
func (s *ProjectService) ApplyExternalReview(id, revsys, phase, revid, infoURL string,
	feedback []map[string]interface{}, requestChanges, fbreplace bool,
	extra map[string]interface{}) (string, error) {

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.dbcli.GetRecordFor(id, PermWrite)
	if err != nil {
		return "", err
	}

	revmd := rec.Status.PubReview(revsys, phase, revid, infoURL, feedback, fbreplace, extra)
	if requestChanges && rec.Status.State == StateSubmitted {
		rec.Status.SetState(StateEdit, -1)
		rec.Status.Act(ActionUpdate, "changes requested by external review: "+revsys, -1)
	}
	if err := rec.Save(); err != nil {
		return "", err
	}

	msg := "external review phase in progress"
	if revmd.Phase != "" {
		msg += ": " + revmd.Phase
	}
	if len(revmd.Feedback) > 0 {
		msg += "; feedback provided"
	}
	s.recordAction(prov.NewAction(prov.ActionComment, rec.ID, s.who, msg, nil))
	s.log.Infof("%s: %s", rec.ID, msg)
	return rec.Status.State, nil
}

// Approve marks the record approved by the named external review system
// and, when publish is set and the record is in a publishable state,
// triggers publication.
func (s *ProjectService) Approve(id, revsys, revid, infoURL string, publish bool) (*Status, error) {
	if _, err := s.ApplyExternalReview(id, revsys, "approved", revid, infoURL,
		[]map[string]interface{}{}, false, true, nil); err != nil {
		return nil, err
	}
	if publish {
		return s.Publish(id)
	}
	return s.GetStatus(id)
}

// CancelExternalReview moves the review registered for the named system,
// or for every registered system when revsys is empty, into the
// "canceled" phase.  The registration itself is kept.
func (s *ProjectService) CancelExternalReview(id, revsys string) (*Status, error) {
	rec, err := s.dbcli.GetRecordFor(id, PermWrite)
	if err != nil {
		return nil, err
	}
	systems := []string{revsys}
	if revsys == "" {
		systems = systems[:0]
		for sysname := range rec.Status.Review {
			systems = append(systems, sysname)
		}
	}
	for _, sysname := range systems {
		if _, err := s.ApplyExternalReview(id, sysname, "canceled", "", "",
			[]map[string]interface{}{}, false, true, nil); err != nil {
			return nil, err
		}
	}
	return s.GetStatus(id)
}

// ReassignRecord transfers ownership of the record.  Requires admin; a
// COMMENT provenance action carries the before and after owners.  When
// disown is set the former owner's grants are revoked as well; the legacy
// flavour silently dropped that flag, which the LegacyReassign
// compatibility setting reproduces.
func (s *ProjectService) ReassignRecord(id, newOwner string, disown bool) (*ProjectRecord, error) {
	rec, err := s.dbcli.GetRecordFor(id, PermAdmin)
	if err != nil {
		return nil, err
	}
	old := rec.Owner
	if err := rec.Reassign(newOwner); err != nil {
		return nil, err
	}
	if disown && !s.dbcli.cfg.Compat.LegacyReassign && old != newOwner {
		for _, p := range OwnerPerms() {
			rec.ACLs.Revoke(p, rec.Owner, false, old)
		}
	}
	if err := rec.Save(); err != nil {
		return nil, err
	}
	s.recordAction(prov.NewAction(prov.ActionComment, rec.ID, s.who,
		fmt.Sprintf("record reassigned from %s to %s", old, newOwner), nil))
	return rec, nil
}

// RenameRecord changes the record's mnemonic name.  Requires admin; the
// new name must be unused within the owner's namespace.
func (s *ProjectService) RenameRecord(id, newName string) (*ProjectRecord, error) {
	if strings.TrimSpace(newName) == "" {
		return nil, InvalidUpdate("new name not specified", id, "")
	}
	rec, err := s.dbcli.GetRecordFor(id, PermAdmin)
	if err != nil {
		return nil, err
	}
	if exists, err := s.dbcli.NameExists(newName, rec.Owner); err != nil {
		return nil, err
	} else if exists {
		return nil, &AlreadyExistsError{
			Message: fmt.Sprintf("user %s has already defined a record with name=%s", rec.Owner, newName)}
	}
	old := rec.Name
	rec.Name = newName
	if err := rec.Save(); err != nil {
		return nil, err
	}
	s.recordAction(prov.NewAction(prov.ActionComment, rec.ID, s.who,
		fmt.Sprintf("record renamed from %q to %q", old, newName), nil))
	return rec, nil
}

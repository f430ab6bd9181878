// Package dbio implements the record store at the heart of the MIDAS
// authoring system: ACL-protected project records with pluggable storage
// backends, monotonic identifier minting, group resolution, provenance
// action logging, and the project lifecycle service layered on top.
package dbio

import (
	"time"
)

// Record states.  A record moves through these as it is edited, submitted,
// and published.
const (
	StateEdit       = "edit"       // record is being edited toward a new released version
	StateProcessing = "processing" // record is being processed and cannot be updated until done
	StateReady      = "ready"      // record has been finalized and can be submitted
	StateSubmitted  = "submitted"  // record has been submitted and is processed or under review
	StateAccepted   = "accepted"   // record passed review and is being processed for release
	StateInPress    = "in press"   // record was sent to the publishing service and is in process
	StatePublished  = "published"  // record was successfully preserved and released
	StateUnwell     = "unwell"     // record requires administrative care before further processing
)

// Common record actions recorded in a Status.
const (
	ActionCreate     = "create"
	ActionUpdate     = "update"
	ActionClear      = "clear"
	ActionFinalize   = "finalize"
	ActionSubmit     = "submit"
	ActionPublish    = "publish"
	ActionUpdatePrep = "update-prep"
	ActionRestore    = "restore"
)

// Timestamps in a Status are epoch seconds.  A zero value means "pending":
// the time will be stamped when the record is saved.  Callers pass a
// negative value to mean "now".
const TimePending float64 = 0

// ReviewRecord holds the registered state of one external review system's
// review of a record.
type ReviewRecord struct {
	Phase    string                   `json:"phase"`
	ReviewID string                   `json:"reviewId,omitempty"`
	InfoURL  string                   `json:"url,omitempty"`
	Feedback []map[string]interface{} `json:"feedback,omitempty"`
	Extras   map[string]interface{}   `json:"extras,omitempty"`
}

// Status aggregates the state of a record and the last action applied to it.
// It is embedded in every protected record.  The zero value is usable; the
// record's creator normalizes it via Normalize.
type Status struct {
	State       string                   `json:"state"`
	Action      string                   `json:"action"`
	Since       float64                  `json:"since"`
	Created     float64                  `json:"created"`
	Modified    float64                  `json:"modified"`
	Message     string                   `json:"message"`
	CreatedBy   string                   `json:"created_by,omitempty"`
	ByWho       string                   `json:"by_who,omitempty"`
	PublishedAs string                   `json:"published_as,omitempty"`
	Version     string                   `json:"version,omitempty"`
	ArchivedAt  string                   `json:"archived_at,omitempty"`
	Review      map[string]ReviewRecord  `json:"publishReview,omitempty"`
	Todo        []map[string]interface{} `json:"todo,omitempty"`
}

// Normalize fills in defaults for an incomplete status: the edit state, the
// create action, and since <= modified.  Negative timestamps resolve to now.
func (s *Status) Normalize() {
	if s.State == "" {
		s.State = StateEdit
	}
	if s.Action == "" {
		s.Action = ActionCreate
	}
	if s.Since == TimePending && s.Modified > 0 {
		s.Since = s.Modified
	}
	if s.Since < 0 {
		s.Since = nowStamp()
	}
	if s.Modified < 0 {
		s.Modified = nowStamp()
	}
}

// Act records the application of an action.  A when of zero leaves the
// modification time pending (to be stamped at save time); a negative when
// resolves to now.
func (s *Status) Act(action, message string, when float64) {
	if action == "" {
		return
	}
	if when < 0 {
		when = nowStamp()
	}
	s.Action = action
	s.Message = message
	s.Modified = when
}

// SetState records the record's entry into a new state.  A when of zero
// leaves the since time pending; a negative when resolves to now.
func (s *Status) SetState(state string, when float64) {
	if state == "" {
		return
	}
	if when < 0 {
		when = nowStamp()
	}
	s.State = state
	s.Since = when
}

// SetTimes stamps any pending timestamps with the current time, keeping
// created <= since <= modified.
func (s *Status) SetTimes() {
	now := nowStamp()
	if s.Created <= 0 {
		s.Created = now
	}
	if s.Modified <= 0 {
		s.Modified = now
	}
	if s.Since <= 0 {
		s.Since = s.Modified
	}
}

// PubReview registers external review activity from the named review
// system.  A nil feedback retains previously registered feedback; a non-nil
// feedback replaces it when replace is true and appends otherwise.  The
// updated review record is returned.
func (s *Status) PubReview(system, phase, reviewID, infoURL string,
	feedback []map[string]interface{}, replace bool, extras map[string]interface{}) ReviewRecord {

	if s.Review == nil {
		s.Review = map[string]ReviewRecord{}
	}
	rev := s.Review[system]
	if phase != "" {
		rev.Phase = phase
	}
	if reviewID != "" {
		rev.ReviewID = reviewID
	}
	if infoURL != "" {
		rev.InfoURL = infoURL
	}
	if feedback != nil {
		if replace {
			rev.Feedback = feedback
		} else {
			rev.Feedback = append(rev.Feedback, feedback...)
		}
	}
	if len(extras) > 0 {
		if rev.Extras == nil {
			rev.Extras = map[string]interface{}{}
		}
		for k, v := range extras {
			rev.Extras[k] = v
		}
	}
	s.Review[system] = rev
	return rev
}

// CancelReview drops the registered review state for the named system (or
// all systems when system is empty).
func (s *Status) CancelReview(system string) {
	if s.Review == nil {
		return
	}
	if system == "" {
		s.Review = nil
		return
	}
	delete(s.Review, system)
}

// ReviewsApproved reports whether every registered external review is in
// the "approved" phase.  A record with no registered reviews is considered
// approved.
func (s *Status) ReviewsApproved() bool {
	for _, rev := range s.Review {
		if rev.Phase != "approved" {
			return false
		}
	}
	return true
}

// Publish stamps the publication outcome onto the status: the identifier the
// record was published as, the published version, and where the archived
// copy was stored.
func (s *Status) Publish(publishedAs, version, archivedAt string) {
	s.PublishedAs = publishedAs
	s.Version = version
	s.ArchivedAt = archivedAt
}

// SinceDate renders the since timestamp as an ISO-8601 string, or the
// literal "pending" if the time has not been stamped yet.
func (s *Status) SinceDate() string { return stampDate(s.Since) }

// CreatedDate renders the creation timestamp like SinceDate.
func (s *Status) CreatedDate() string { return stampDate(s.Created) }

// ModifiedDate renders the modification timestamp like SinceDate.
func (s *Status) ModifiedDate() string { return stampDate(s.Modified) }

// Clone returns a deep copy of the status.
func (s *Status) Clone() *Status {
	out := *s
	if s.Review != nil {
		out.Review = make(map[string]ReviewRecord, len(s.Review))
		for k, v := range s.Review {
			cp := v
			if v.Feedback != nil {
				cp.Feedback = append([]map[string]interface{}{}, v.Feedback...)
			}
			if v.Extras != nil {
				cp.Extras = make(map[string]interface{}, len(v.Extras))
				for ek, ev := range v.Extras {
					cp.Extras[ek] = ev
				}
			}
			out.Review[k] = cp
		}
	}
	if s.Todo != nil {
		out.Todo = append([]map[string]interface{}{}, s.Todo...)
	}
	return &out
}

func stampDate(stamp float64) string {
	if stamp <= 0 {
		return "pending"
	}
	return time.Unix(int64(stamp), 0).UTC().Format("2006-01-02T15:04:05Z")
}

func nowStamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

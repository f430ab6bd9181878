package prov

import (
	"encoding/json"
	"fmt"
	"time"
)

// Action types.  These name the kind of change that was applied to the
// subject record.
const (
	ActionCreate  = "CREATE"
	ActionPut     = "PUT"
	ActionPatch   = "PATCH"
	ActionMove    = "MOVE"
	ActionDelete  = "DELETE"
	ActionProcess = "PROCESS"
	ActionComment = "COMMENT"
)

var actionTypes = map[string]bool{
	ActionCreate:  true,
	ActionPut:     true,
	ActionPatch:   true,
	ActionMove:    true,
	ActionDelete:  true,
	ActionProcess: true,
	ActionComment: true,
}

// Action records a single change applied to a record.  An action has a type,
// the identifier of the record (or record part) that was changed, the agent
// that requested the change, and an optional message and object.  The object
// holds arbitrary data describing the change; for PATCH actions this is
// typically a JSON-Patch.  An action can aggregate finer-grained subactions,
// forming a tree rooted at the outermost action.
type Action struct {
	Type       string      `json:"type"`
	Subject    string      `json:"subject"`
	Agent      *Agent      `json:"agent,omitempty"`
	Message    string      `json:"message,omitempty"`
	Object     interface{} `json:"object,omitempty"`
	Timestamp  float64     `json:"timestamp"`
	Subactions []*Action   `json:"subactions,omitempty"`
}

// NewAction creates an Action of the given type applied to the given subject
// by the given agent.  The timestamp is set to the current time.
func NewAction(acttype, subject string, agent *Agent, message string, object interface{}) *Action {
	return &Action{
		Type:      acttype,
		Subject:   subject,
		Agent:     agent,
		Message:   message,
		Object:    object,
		Timestamp: now(),
	}
}

// IsValidType reports whether the given string names a recognized action
// type.
func IsValidType(acttype string) bool { return actionTypes[acttype] }

// AddSubaction appends a finer-grained action that was carried out as part
// of this one.
func (a *Action) AddSubaction(sub *Action) {
	a.Subactions = append(a.Subactions, sub)
}

// SubactionCount returns the number of directly attached subactions.
func (a *Action) SubactionCount() int { return len(a.Subactions) }

// TimestampNow resets the action's timestamp to the current time.  Use this
// just before persisting an action constructed earlier so that the recorded
// order matches the order of commits.
func (a *Action) TimestampNow() { a.Timestamp = now() }

// Date renders the action's timestamp as an ISO-8601 string.
func (a *Action) Date() string {
	if a.Timestamp <= 0 {
		return "pending"
	}
	return time.Unix(int64(a.Timestamp), 0).UTC().Format("2006-01-02T15:04:05Z")
}

// ToMap serializes the action (and its subaction tree) into generic JSON
// data suitable for storing in a backend document.
func (a *Action) ToMap() (map[string]interface{}, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize action: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to reload serialized action: %w", err)
	}
	return out, nil
}

// ActionFromMap reconstitutes an Action from generic JSON data previously
// produced by ToMap.
func ActionFromMap(data map[string]interface{}) (*Action, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to reserialize action data: %w", err)
	}
	var out Action
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to parse action: %w", err)
	}
	if !IsValidType(out.Type) {
		return nil, fmt.Errorf("unrecognized action type: %s", out.Type)
	}
	return &out, nil
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

package dbio

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the DBIO error taxonomy.  Structured error types below
// wrap these so that callers can discriminate with errors.Is while still
// receiving the audit detail the structured types carry.
var (
	ErrNotFound          = errors.New("object not found")
	ErrNotAuthorized     = errors.New("operation not authorized")
	ErrAlreadyExists     = errors.New("record already exists")
	ErrInvalidRecord     = errors.New("record contains invalid data")
	ErrNotEditable       = errors.New("record is not in an editable state")
	ErrNotSubmitable     = errors.New("record is not in a submitable state")
	ErrSubmissionFailed  = errors.New("submission failed")
	ErrPartNotAccessible = errors.New("data part is not accessible")
	ErrQueryNotSupported = errors.New("advanced queries are not supported by this backend")
	ErrConfiguration     = errors.New("service configuration error")
)

// ObjectNotFoundError indicates that a requested record (or a part of one)
// does not exist.
type ObjectNotFoundError struct {
	RecordID string
	Part     string
}

func (e *ObjectNotFoundError) Error() string {
	if e.Part != "" {
		return fmt.Sprintf("%s: requested part not found: %s", e.RecordID, e.Part)
	}
	return fmt.Sprintf("record not found with identifier: %s", e.RecordID)
}

func (e *ObjectNotFoundError) Unwrap() error { return ErrNotFound }

// NotFound creates an ObjectNotFoundError for a whole record.
func NotFound(recid string) error { return &ObjectNotFoundError{RecordID: recid} }

// PartNotFound creates an ObjectNotFoundError for a part of a record's data.
func PartNotFound(recid, part string) error {
	return &ObjectNotFoundError{RecordID: recid, Part: part}
}

// NotAuthorizedError indicates the user lacks permission for an operation.
// It carries who attempted what for audit logging.
type NotAuthorizedError struct {
	Who string
	Op  string
}

func (e *NotAuthorizedError) Error() string {
	who := e.Who
	if who == "" {
		who = "(unknown)"
	}
	op := e.Op
	if op == "" {
		op = "effect action"
	}
	return fmt.Sprintf("user %s is not authorized to %s", who, op)
}

func (e *NotAuthorizedError) Unwrap() error { return ErrNotAuthorized }

// Unauthorized creates a NotAuthorizedError.
func Unauthorized(who, op string) error { return &NotAuthorizedError{Who: who, Op: op} }

// AlreadyExistsError indicates a uniqueness violation on a record id or an
// (owner, name) pair.
type AlreadyExistsError struct {
	Message string
}

func (e *AlreadyExistsError) Error() string { return e.Message }
func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// InvalidRecordError indicates that record content failed validation.  It
// carries the individual per-field problems.
type InvalidRecordError struct {
	Message  string
	RecordID string
	Part     string
	Errors   []string
}

func (e *InvalidRecordError) Error() string {
	msg := e.Message
	if msg == "" {
		if len(e.Errors) == 1 {
			msg = e.Errors[0]
		} else {
			msg = "record contains invalid data"
		}
	}
	if e.RecordID != "" {
		msg = e.RecordID + ": " + msg
	}
	return msg
}

func (e *InvalidRecordError) Unwrap() error { return ErrInvalidRecord }

// FormatErrors renders the individual validation problems as a
// user-displayable string.
func (e *InvalidRecordError) FormatErrors() string {
	if len(e.Errors) == 0 {
		return e.Error()
	}
	return strings.Join(e.Errors, "\n")
}

// InvalidUpdate creates an InvalidRecordError describing a rejected update.
func InvalidUpdate(message, recid, part string, errs ...string) error {
	return &InvalidRecordError{Message: message, RecordID: recid, Part: part, Errors: errs}
}

// StateError indicates a state-machine violation: the record is not in a
// state that permits the requested transition.
type StateError struct {
	RecordID string
	State    string
	Message  string
	kind     error
}

func (e *StateError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("operation not allowed in state %q", e.State)
	}
	return fmt.Sprintf("%s: %s", e.RecordID, msg)
}

func (e *StateError) Unwrap() error { return e.kind }

// NotEditable creates a StateError for an update attempted outside the edit
// or ready states.
func NotEditable(recid, state string) error {
	return &StateError{RecordID: recid, State: state, kind: ErrNotEditable,
		Message: "not in an editable state (" + state + ")"}
}

// NotSubmitable creates a StateError for a submit or publish attempted from
// a state that does not allow it.
func NotSubmitable(recid, message string) error {
	return &StateError{RecordID: recid, Message: message, kind: ErrNotSubmitable}
}

// SubmissionFailed creates a StateError for a failure in the submission
// machinery itself (as opposed to invalid client data).
func SubmissionFailed(recid, message string) error {
	return &StateError{RecordID: recid, Message: message, kind: ErrSubmissionFailed}
}

// PartNotAccessibleError indicates a partial update addressed a pointer that
// cannot be updated (e.g. a path through a non-object value).
type PartNotAccessibleError struct {
	RecordID string
	Part     string
	Message  string
}

func (e *PartNotAccessibleError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.RecordID, e.Message)
	}
	return fmt.Sprintf("%s: data property %s is not in an updatable state", e.RecordID, e.Part)
}

func (e *PartNotAccessibleError) Unwrap() error { return ErrPartNotAccessible }

// ConfigurationError indicates a structural problem with service
// configuration detected at startup.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return e.Message }
func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// ConfigError creates a ConfigurationError.
func ConfigError(format string, args ...interface{}) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

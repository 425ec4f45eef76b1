// Package apperror defines the stable, enumerable failure codes returned by
// the coordination engine. Calling systems branch on the code, never on the
// message text.
package apperror

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unclassified internal failure.
	CodeUnknown Code = "UNKNOWN"

	// CodeInvalidParams indicates malformed event-creation input.
	CodeInvalidParams Code = "INVALID_PARAMS"
	// CodeInvalidEvent indicates an unknown event id.
	CodeInvalidEvent Code = "INVALID_EVENT"
	// CodeUnauthorized indicates the wrong caller, or the wrong temporal or
	// status window, for the requested mutation.
	CodeUnauthorized Code = "UNAUTHORIZED"
	// CodeEventClosed indicates a join attempted against a non-open event.
	CodeEventClosed Code = "EVENT_CLOSED"
	// CodeInvalidStatus indicates a status-machine violation on close/cancel.
	CodeInvalidStatus Code = "INVALID_STATUS"
	// CodeMaxVolunteersReached indicates the event has no remaining capacity.
	CodeMaxVolunteersReached Code = "MAX_VOLUNTEERS_REACHED"
	// CodeAlreadyJoined indicates an enrollment record already exists for the
	// (event, participant) pair.
	CodeAlreadyJoined Code = "ALREADY_JOINED"
	// CodeSkillMismatch indicates no overlap between the event's required
	// skills and the skills the volunteer offers.
	CodeSkillMismatch Code = "SKILL_MISMATCH"
	// CodeNotStarted indicates a leave attempted outside the pre-start open
	// window.
	CodeNotStarted Code = "NOT_STARTED"

	// CodeNotFound is a boundary read-path code: the engine's reads report
	// absence as a value, and the HTTP layer renders that absence with this
	// code.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is the engine's error type: a stable code plus an internal message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an engine error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an engine error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the engine code from an error chain, or CodeUnknown when
// the chain carries no engine error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HTTPStatus maps a code to the HTTP status the boundary responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidParams, CodeInvalidStatus:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeNotStarted:
		return http.StatusForbidden
	case CodeInvalidEvent, CodeNotFound:
		return http.StatusNotFound
	case CodeEventClosed, CodeMaxVolunteersReached, CodeAlreadyJoined, CodeSkillMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Sentinel instances for errors.Is matching by code.
var (
	ErrInvalidParams        = New(CodeInvalidParams, "invalid event parameters")
	ErrInvalidEvent         = New(CodeInvalidEvent, "event not found")
	ErrUnauthorized         = New(CodeUnauthorized, "caller is not permitted to perform this operation")
	ErrEventClosed          = New(CodeEventClosed, "event is not open for enrollment")
	ErrInvalidStatus        = New(CodeInvalidStatus, "invalid status transition")
	ErrMaxVolunteersReached = New(CodeMaxVolunteersReached, "event has reached its volunteer capacity")
	ErrAlreadyJoined        = New(CodeAlreadyJoined, "participant already joined this event")
	ErrSkillMismatch        = New(CodeSkillMismatch, "volunteer skills do not match the event requirements")
	ErrNotStarted           = New(CodeNotStarted, "enrollment can no longer be withdrawn for this event")
)

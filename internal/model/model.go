// Package model defines the core domain types for the crisis-response
// coordination engine: events, enrollment records, and the rules that gate
// their mutation.
package model

// Status is the lifecycle state of an event.
type Status string

const (
	// StatusOpen is the initial state; enrollment is only possible here.
	StatusOpen Status = "open"
	// StatusActive means the coordinator has started the event.
	StatusActive Status = "active"
	// StatusClosed is a terminal state reached by an explicit close.
	StatusClosed Status = "closed"
	// StatusCancelled is a terminal state reached by an explicit cancel.
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusActive, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Event represents a crisis-response event opened by a coordinator.
// StartBlock, EndBlock, and CreatedAt are logical-clock values supplied by
// the environment, not wall time.
type Event struct {
	ID                int64    `json:"id"`
	Coordinator       string   `json:"coordinator"`
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Location          string   `json:"location"`
	StartBlock        int64    `json:"start_block"`
	EndBlock          *int64   `json:"end_block,omitempty"`
	Status            Status   `json:"status"`
	RequiredSkills    []string `json:"required_skills"`
	MaxVolunteers     int      `json:"max_volunteers"`
	CurrentVolunteers int      `json:"current_volunteers"`
	CreatedAt         int64    `json:"created_at"`
	Tags              []string `json:"tags"`
}

// IsFull reports whether the event has no remaining volunteer capacity.
func (e *Event) IsFull() bool {
	return e.CurrentVolunteers >= e.MaxVolunteers
}

// EnrollmentRecord represents one volunteer's participation in one event.
// The composite key (EventID, Participant) is the identity: the record's
// existence is the "joined" predicate. RecordID is an opaque surrogate
// reference for external collaborators.
type EnrollmentRecord struct {
	RecordID       string   `json:"record_id"`
	EventID        int64    `json:"event_id"`
	Participant    string   `json:"participant"`
	Role           string   `json:"role"`
	SkillsProvided []string `json:"skills_provided"`
	JoinedAt       int64    `json:"joined_at"`
}

// CreateEventInput is the payload for opening a new event.
type CreateEventInput struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Location       string   `json:"location"`
	StartBlock     int64    `json:"start_block"`
	EndBlock       *int64   `json:"end_block,omitempty"`
	RequiredSkills []string `json:"required_skills"`
	MaxVolunteers  int      `json:"max_volunteers"`
	Tags           []string `json:"tags"`
}

// EventPatch carries the optional fields of an update. A nil pointer means
// "leave unchanged". For the text fields an explicit empty string is also
// treated as "leave unchanged" (see ApplyPatch).
type EventPatch struct {
	Title         *string   `json:"title,omitempty"`
	Description   *string   `json:"description,omitempty"`
	Location      *string   `json:"location,omitempty"`
	EndBlock      *int64    `json:"end_block,omitempty"`
	MaxVolunteers *int      `json:"max_volunteers,omitempty"`
	Tags          *[]string `json:"tags,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p EventPatch) IsZero() bool {
	return p.Title == nil && p.Description == nil && p.Location == nil &&
		p.EndBlock == nil && p.MaxVolunteers == nil && p.Tags == nil
}

// JoinInput is the payload for enrolling in an event.
type JoinInput struct {
	Role           string   `json:"role"`
	SkillsProvided []string `json:"skills_provided"`
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

package model

import (
	"strings"

	"github.com/relieforg/crisis-coordination/internal/apperror"
)

// ValidateCreate checks event-creation input against the current logical
// clock. All preconditions collapse into a single InvalidParams outcome.
func ValidateCreate(coordinator string, in CreateEventInput, now int64) error {
	switch {
	case strings.TrimSpace(coordinator) == "":
		return apperror.New(apperror.CodeInvalidParams, "coordinator identity is required")
	case strings.TrimSpace(in.Title) == "":
		return apperror.New(apperror.CodeInvalidParams, "title is required")
	case strings.TrimSpace(in.Description) == "":
		return apperror.New(apperror.CodeInvalidParams, "description is required")
	case in.StartBlock <= now:
		return apperror.New(apperror.CodeInvalidParams, "start block must be in the future")
	case in.EndBlock != nil && *in.EndBlock < in.StartBlock:
		return apperror.New(apperror.CodeInvalidParams, "end block must not precede start block")
	case in.MaxVolunteers <= 0:
		return apperror.New(apperror.CodeInvalidParams, "max volunteers must be positive")
	}
	return nil
}

// CanUpdate gates event updates: only the coordinator, only while open, and
// only strictly before the scheduled start.
func CanUpdate(ev *Event, caller string, now int64) error {
	if caller != ev.Coordinator || ev.Status != StatusOpen || now >= ev.StartBlock {
		return apperror.ErrUnauthorized
	}
	return nil
}

// ApplyPatch writes the provided patch fields onto ev.
//
// Empty-string text values are treated as "no change", not "clear the
// field". This mirrors the engine's original permissive update semantics;
// callers that want strict three-way patching must not rely on explicit
// empty strings clearing anything. Non-positive MaxVolunteers values are
// likewise ignored. Lowering MaxVolunteers below CurrentVolunteers is
// allowed and does not evict anyone; it only blocks further joins.
func ApplyPatch(ev *Event, p EventPatch) {
	if p.Title != nil && *p.Title != "" {
		ev.Title = *p.Title
	}
	if p.Description != nil && *p.Description != "" {
		ev.Description = *p.Description
	}
	if p.Location != nil && *p.Location != "" {
		ev.Location = *p.Location
	}
	if p.EndBlock != nil {
		end := *p.EndBlock
		ev.EndBlock = &end
	}
	if p.MaxVolunteers != nil && *p.MaxVolunteers > 0 {
		ev.MaxVolunteers = *p.MaxVolunteers
	}
	if p.Tags != nil {
		ev.Tags = append([]string(nil), (*p.Tags)...)
	}
}

// CanCloseOrCancel gates the transition into a terminal status. Transitions
// out of a terminal status and no-op transitions to the current status are
// both rejected.
func CanCloseOrCancel(ev *Event, caller string, target Status) error {
	if caller != ev.Coordinator {
		return apperror.ErrUnauthorized
	}
	if !target.Terminal() || ev.Status.Terminal() || target == ev.Status {
		return apperror.ErrInvalidStatus
	}
	return nil
}

// CanActivate gates the only transition into the active status: coordinator
// driven, from open, at or after the scheduled start. There is no automatic
// clock-triggered activation.
func CanActivate(ev *Event, caller string, now int64) error {
	if caller != ev.Coordinator || ev.Status != StatusOpen || now < ev.StartBlock {
		return apperror.ErrUnauthorized
	}
	return nil
}

// CanJoin evaluates the enrollment preconditions against the event's current
// state. Each check reads the state as of this call; the surrounding store
// transaction makes the evaluation race free.
func CanJoin(ev *Event, alreadyJoined bool, skillsProvided []string) error {
	if ev.Status != StatusOpen {
		return apperror.ErrEventClosed
	}
	if ev.IsFull() {
		return apperror.ErrMaxVolunteersReached
	}
	if alreadyJoined {
		return apperror.ErrAlreadyJoined
	}
	if !SkillOverlap(ev.RequiredSkills, skillsProvided) {
		return apperror.ErrSkillMismatch
	}
	return nil
}

// CanLeave gates withdrawal: the event must still be open and strictly
// before its scheduled start, and a record must exist. The window check
// comes first so that once an event has started, every withdrawal attempt
// reports the same error regardless of whether a record remains.
func CanLeave(ev *Event, hasRecord bool, now int64) error {
	if ev.Status != StatusOpen || now >= ev.StartBlock {
		return apperror.ErrNotStarted
	}
	if !hasRecord {
		return apperror.ErrUnauthorized
	}
	return nil
}

// SkillOverlap reports whether at least one provided skill appears in the
// required set ("any-of" matching). An event with no required skills accepts
// any volunteer.
func SkillOverlap(required, provided []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(provided))
	for _, s := range provided {
		have[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := have[s]; ok {
			return true
		}
	}
	return false
}

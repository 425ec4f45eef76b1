// Package service implements the coordination engine's public operations:
// parameter validation, a single logical-clock read per operation, and
// delegation to a transactional store.
package service

import (
	"context"
	"fmt"

	"github.com/relieforg/crisis-coordination/internal/clock"
	"github.com/relieforg/crisis-coordination/internal/model"
)

// Store is the transactional storage contract the engine runs on. Every
// mutating method executes as one atomic transaction: it validates all
// preconditions against current state and either commits every resulting
// write or none. Reads report absence as a nil record, never as an error.
type Store interface {
	// CreateEvent allocates the next sequence id inside the transaction and
	// persists the event. Failed creations must not consume an id.
	CreateEvent(ctx context.Context, ev model.Event) (int64, error)
	// UpdateEvent applies the patch under the pre-start open-window rules.
	UpdateEvent(ctx context.Context, caller string, eventID int64, patch model.EventPatch, now int64) error
	// TransitionStatus moves the event into a terminal status and stamps
	// end_block with the current clock value.
	TransitionStatus(ctx context.Context, caller string, eventID int64, target model.Status, now int64) error
	// ActivateEvent moves an open event into the active status.
	ActivateEvent(ctx context.Context, caller string, eventID int64, now int64) error
	// Join creates the enrollment record and increments the event's
	// volunteer counter in the same transaction.
	Join(ctx context.Context, caller string, eventID int64, role string, skills []string, now int64) (*model.EnrollmentRecord, error)
	// Leave deletes the enrollment record and decrements the counter in the
	// same transaction.
	Leave(ctx context.Context, caller string, eventID int64, now int64) error

	GetEvent(ctx context.Context, eventID int64) (*model.Event, error)
	GetEnrollment(ctx context.Context, eventID int64, participant string) (*model.EnrollmentRecord, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	ListEnrollments(ctx context.Context, eventID int64) ([]model.EnrollmentRecord, error)
	// TotalEvents reads the id sequence; it equals the highest id ever
	// allocated.
	TotalEvents(ctx context.Context) (int64, error)
}

// Coordination orchestrates event and enrollment operations over a Store and
// an injected logical clock.
type Coordination struct {
	store Store
	clock clock.Source
}

// New constructs a Coordination service.
func New(store Store, clk clock.Source) *Coordination {
	return &Coordination{store: store, clock: clk}
}

// CreateEvent validates the input against the current clock and persists a
// new open event, returning its id. Validation happens before the store is
// touched so a rejected creation can never consume a sequence id.
func (s *Coordination) CreateEvent(ctx context.Context, caller string, in model.CreateEventInput) (int64, error) {
	now := s.clock.Now()
	if err := model.ValidateCreate(caller, in, now); err != nil {
		return 0, err
	}

	ev := model.Event{
		Coordinator:       caller,
		Title:             in.Title,
		Description:       in.Description,
		Location:          in.Location,
		StartBlock:        in.StartBlock,
		EndBlock:          in.EndBlock,
		Status:            model.StatusOpen,
		RequiredSkills:    in.RequiredSkills,
		MaxVolunteers:     in.MaxVolunteers,
		CurrentVolunteers: 0,
		CreatedAt:         now,
		Tags:              in.Tags,
	}

	id, err := s.store.CreateEvent(ctx, ev)
	if err != nil {
		return 0, fmt.Errorf("create event: %w", err)
	}
	return id, nil
}

// UpdateEvent applies an optional-field patch to an open, not-yet-started
// event owned by the caller.
func (s *Coordination) UpdateEvent(ctx context.Context, caller string, eventID int64, patch model.EventPatch) error {
	return s.store.UpdateEvent(ctx, caller, eventID, patch, s.clock.Now())
}

// CloseOrCancel moves an event into one of the two terminal statuses.
func (s *Coordination) CloseOrCancel(ctx context.Context, caller string, eventID int64, target model.Status) error {
	return s.store.TransitionStatus(ctx, caller, eventID, target, s.clock.Now())
}

// Activate moves an open event into the active status once the scheduled
// start has been reached. Activation is always coordinator driven; the
// engine has no ambient scheduler.
func (s *Coordination) Activate(ctx context.Context, caller string, eventID int64) error {
	return s.store.ActivateEvent(ctx, caller, eventID, s.clock.Now())
}

// Join enrolls the caller as a volunteer for the event.
func (s *Coordination) Join(ctx context.Context, caller string, eventID int64, in model.JoinInput) (*model.EnrollmentRecord, error) {
	return s.store.Join(ctx, caller, eventID, in.Role, in.SkillsProvided, s.clock.Now())
}

// Leave withdraws the caller's enrollment before the event starts.
func (s *Coordination) Leave(ctx context.Context, caller string, eventID int64) error {
	return s.store.Leave(ctx, caller, eventID, s.clock.Now())
}

// GetEvent returns the event, or nil when no event has that id.
func (s *Coordination) GetEvent(ctx context.Context, eventID int64) (*model.Event, error) {
	return s.store.GetEvent(ctx, eventID)
}

// GetEnrollment returns the enrollment record, or nil when absent.
func (s *Coordination) GetEnrollment(ctx context.Context, eventID int64, participant string) (*model.EnrollmentRecord, error) {
	return s.store.GetEnrollment(ctx, eventID, participant)
}

// IsJoined reports whether an enrollment record exists for the pair. It is
// purely derived from record presence; there is no separate joined flag.
func (s *Coordination) IsJoined(ctx context.Context, eventID int64, participant string) (bool, error) {
	rec, err := s.store.GetEnrollment(ctx, eventID, participant)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// ListEvents returns all events ordered by id.
func (s *Coordination) ListEvents(ctx context.Context) ([]model.Event, error) {
	return s.store.ListEvents(ctx)
}

// ListEnrollments returns all enrollment records for an event.
func (s *Coordination) ListEnrollments(ctx context.Context, eventID int64) ([]model.EnrollmentRecord, error) {
	return s.store.ListEnrollments(ctx, eventID)
}

// TotalEvents returns the number of events ever created, which equals the
// highest allocated id.
func (s *Coordination) TotalEvents(ctx context.Context) (int64, error) {
	return s.store.TotalEvents(ctx)
}

package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/relieforg/crisis-coordination/internal/apperror"
	"github.com/relieforg/crisis-coordination/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?cache=shared&mode=rwc"
	st, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testEvent() model.Event {
	end := int64(1100)
	return model.Event{
		Coordinator:    "coord-1",
		Title:          "Flood response",
		Description:    "Sandbag staging and evacuation support",
		Location:       "Riverside depot",
		StartBlock:     1010,
		EndBlock:       &end,
		Status:         model.StatusOpen,
		RequiredSkills: []string{"medical", "logistics"},
		MaxVolunteers:  2,
		CreatedAt:      1000,
		Tags:           []string{"flood"},
	}
}

// checkCounter asserts that current_volunteers equals the number of live
// enrollment records.
func checkCounter(t *testing.T, st *Store, eventID int64) {
	t.Helper()
	ctx := context.Background()

	ev, err := st.GetEvent(ctx, eventID)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev == nil {
		t.Fatalf("event %d missing", eventID)
	}

	recs, err := st.ListEnrollments(ctx, eventID)
	if err != nil {
		t.Fatalf("list enrollments: %v", err)
	}
	if ev.CurrentVolunteers != len(recs) {
		t.Fatalf("counter invariant violated: current_volunteers=%d, records=%d",
			ev.CurrentVolunteers, len(recs))
	}
}

func TestCreateEventSequence(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		id, err := st.CreateEvent(ctx, testEvent())
		if err != nil {
			t.Fatalf("create event: %v", err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}

	total, err := st.TotalEvents(ctx)
	if err != nil {
		t.Fatalf("total events: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
}

func TestCreateEventRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	in := testEvent()
	id, err := st.CreateEvent(ctx, in)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	ev, err := st.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev == nil {
		t.Fatal("event missing after create")
	}
	if ev.Coordinator != in.Coordinator || ev.Title != in.Title || ev.Description != in.Description ||
		ev.Location != in.Location || ev.StartBlock != in.StartBlock || ev.Status != model.StatusOpen ||
		ev.MaxVolunteers != in.MaxVolunteers || ev.CurrentVolunteers != 0 || ev.CreatedAt != in.CreatedAt {
		t.Fatalf("round trip mismatch: %+v", ev)
	}
	if ev.EndBlock == nil || *ev.EndBlock != 1100 {
		t.Fatalf("end block = %v, want 1100", ev.EndBlock)
	}
	if len(ev.RequiredSkills) != 2 || ev.RequiredSkills[0] != "medical" {
		t.Fatalf("required skills = %v", ev.RequiredSkills)
	}
	if len(ev.Tags) != 1 || ev.Tags[0] != "flood" {
		t.Fatalf("tags = %v", ev.Tags)
	}
}

func TestGetEventAbsent(t *testing.T) {
	st := newStore(t)

	ev, err := st.GetEvent(context.Background(), 42)
	if err != nil {
		t.Fatalf("absent reads must not fail: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for absent event, got %+v", ev)
	}
}

func TestJoin(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	rec, err := st.Join(ctx, "v1", id, "first responder", []string{"medical"}, 1001)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if rec.RecordID == "" || rec.EventID != id || rec.Participant != "v1" || rec.JoinedAt != 1001 {
		t.Fatalf("bad record: %+v", rec)
	}
	checkCounter(t, st, id)

	got, err := st.GetEnrollment(ctx, id, "v1")
	if err != nil {
		t.Fatalf("get enrollment: %v", err)
	}
	if got == nil || got.RecordID != rec.RecordID || got.Role != "first responder" {
		t.Fatalf("enrollment mismatch: %+v", got)
	}
}

func TestJoinFailures(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	if _, err := st.Join(ctx, "v1", 99, "", []string{"medical"}, 1001); !errors.Is(err, apperror.ErrInvalidEvent) {
		t.Errorf("missing event: got %v", err)
	}

	if _, err := st.Join(ctx, "v1", id, "", []string{"driving"}, 1001); !errors.Is(err, apperror.ErrSkillMismatch) {
		t.Errorf("skill mismatch: got %v", err)
	}

	if _, err := st.Join(ctx, "v1", id, "", []string{"medical"}, 1001); err != nil {
		t.Fatalf("join v1: %v", err)
	}
	if _, err := st.Join(ctx, "v1", id, "", []string{"medical"}, 1002); !errors.Is(err, apperror.ErrAlreadyJoined) {
		t.Errorf("double join: got %v", err)
	}

	if _, err := st.Join(ctx, "v2", id, "", []string{"logistics"}, 1002); err != nil {
		t.Fatalf("join v2: %v", err)
	}
	if _, err := st.Join(ctx, "v3", id, "", []string{"medical"}, 1003); !errors.Is(err, apperror.ErrMaxVolunteersReached) {
		t.Errorf("capacity: got %v", err)
	}
	checkCounter(t, st, id)
}

func TestJoinNonOpenEvent(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if err := st.ActivateEvent(ctx, "coord-1", id, 1010); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if _, err := st.Join(ctx, "v1", id, "", []string{"medical"}, 1010); !errors.Is(err, apperror.ErrEventClosed) {
		t.Fatalf("join after activation: got %v", err)
	}
}

func TestLeave(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	if err := st.Leave(ctx, "v1", 99, 1001); !errors.Is(err, apperror.ErrInvalidEvent) {
		t.Errorf("missing event: got %v", err)
	}
	if err := st.Leave(ctx, "v1", id, 1001); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("never joined: got %v", err)
	}

	first, err := st.Join(ctx, "v1", id, "", []string{"medical"}, 1001)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := st.Leave(ctx, "v1", id, 1005); err != nil {
		t.Fatalf("leave: %v", err)
	}
	checkCounter(t, st, id)

	rec, err := st.GetEnrollment(ctx, id, "v1")
	if err != nil {
		t.Fatalf("get enrollment: %v", err)
	}
	if rec != nil {
		t.Fatalf("record must be deleted, got %+v", rec)
	}

	// Rejoining creates a fresh record with a new surrogate id and join time.
	second, err := st.Join(ctx, "v1", id, "", []string{"medical"}, 1006)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if second.RecordID == first.RecordID {
		t.Error("rejoin must mint a fresh record id")
	}
	if second.JoinedAt != 1006 {
		t.Errorf("rejoin joined_at = %d, want 1006", second.JoinedAt)
	}
	checkCounter(t, st, id)
}

func TestLeaveOutsidePreStartWindow(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if _, err := st.Join(ctx, "v1", id, "", []string{"medical"}, 1001); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Clock at the scheduled start, event still open.
	if err := st.Leave(ctx, "v1", id, 1010); !errors.Is(err, apperror.ErrNotStarted) {
		t.Errorf("leave at start: got %v", err)
	}

	// Activated event: leaving fails regardless of clock value.
	if err := st.ActivateEvent(ctx, "coord-1", id, 1010); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := st.Leave(ctx, "v1", id, 1005); !errors.Is(err, apperror.ErrNotStarted) {
		t.Errorf("leave after activate: got %v", err)
	}
	checkCounter(t, st, id)
}

func TestUpdateEvent(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	title := "Flood response (revised)"
	maxVols := 10
	if err := st.UpdateEvent(ctx, "coord-1", id, model.EventPatch{
		Title:         &title,
		MaxVolunteers: &maxVols,
	}, 1005); err != nil {
		t.Fatalf("update: %v", err)
	}

	ev, err := st.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Title != title || ev.MaxVolunteers != 10 {
		t.Fatalf("update not applied: %+v", ev)
	}

	// Empty-string text fields leave the stored values unchanged.
	empty := ""
	if err := st.UpdateEvent(ctx, "coord-1", id, model.EventPatch{Title: &empty}, 1005); err != nil {
		t.Fatalf("empty update: %v", err)
	}
	ev, _ = st.GetEvent(ctx, id)
	if ev.Title != title {
		t.Fatalf("empty string cleared title: %q", ev.Title)
	}

	if err := st.UpdateEvent(ctx, "someone-else", id, model.EventPatch{Title: &title}, 1005); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("wrong caller: got %v", err)
	}
	if err := st.UpdateEvent(ctx, "coord-1", id, model.EventPatch{Title: &title}, 1010); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("update at start block: got %v", err)
	}
	if err := st.UpdateEvent(ctx, "coord-1", 99, model.EventPatch{}, 1005); !errors.Is(err, apperror.ErrInvalidEvent) {
		t.Errorf("missing event: got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	if err := st.TransitionStatus(ctx, "coord-1", 99, model.StatusClosed, 1005); !errors.Is(err, apperror.ErrInvalidEvent) {
		t.Errorf("missing event: got %v", err)
	}
	if err := st.TransitionStatus(ctx, "v1", id, model.StatusClosed, 1005); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("wrong caller: got %v", err)
	}
	if err := st.TransitionStatus(ctx, "coord-1", id, model.StatusActive, 1005); !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Errorf("non-terminal target: got %v", err)
	}

	if err := st.TransitionStatus(ctx, "coord-1", id, model.StatusClosed, 1005); err != nil {
		t.Fatalf("close: %v", err)
	}

	ev, err := st.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("get event: %v", err)
	}
	if ev.Status != model.StatusClosed {
		t.Fatalf("status = %s, want closed", ev.Status)
	}
	// Closing overwrites the originally configured end block with the clock.
	if ev.EndBlock == nil || *ev.EndBlock != 1005 {
		t.Fatalf("end block = %v, want 1005", ev.EndBlock)
	}

	// Terminal statuses admit no further transition.
	if err := st.TransitionStatus(ctx, "coord-1", id, model.StatusClosed, 1006); !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Errorf("close twice: got %v", err)
	}
	if err := st.TransitionStatus(ctx, "coord-1", id, model.StatusCancelled, 1006); !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Errorf("cancel after close: got %v", err)
	}
}

func TestActivateEvent(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	id, err := st.CreateEvent(ctx, testEvent())
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	if err := st.ActivateEvent(ctx, "coord-1", 99, 1010); !errors.Is(err, apperror.ErrInvalidEvent) {
		t.Errorf("missing event: got %v", err)
	}
	if err := st.ActivateEvent(ctx, "coord-1", id, 1009); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("before start: got %v", err)
	}
	if err := st.ActivateEvent(ctx, "v1", id, 1010); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("wrong caller: got %v", err)
	}

	if err := st.ActivateEvent(ctx, "coord-1", id, 1010); err != nil {
		t.Fatalf("activate: %v", err)
	}
	ev, _ := st.GetEvent(ctx, id)
	if ev.Status != model.StatusActive {
		t.Fatalf("status = %s, want active", ev.Status)
	}

	if err := st.ActivateEvent(ctx, "coord-1", id, 1011); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Errorf("activate twice: got %v", err)
	}
}

// TestConcurrentJoinLastSlots fires 100 goroutines at 5 capacity slots and
// verifies that exactly 5 succeed: no pair of joins may observe the same
// pre-increment count and both win.
func TestConcurrentJoinLastSlots(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	ev := testEvent()
	ev.MaxVolunteers = 5
	id, err := st.CreateEvent(ctx, ev)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	const attempts = 100
	var successCount, fullCount, otherCount int32

	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(n int) {
			defer wg.Done()
			participant := fmt.Sprintf("volunteer-%d", n)
			_, err := st.Join(ctx, participant, id, "responder", []string{"medical"}, 1001)
			switch {
			case err == nil:
				atomic.AddInt32(&successCount, 1)
			case errors.Is(err, apperror.ErrMaxVolunteersReached):
				atomic.AddInt32(&fullCount, 1)
			default:
				t.Logf("unexpected error for %s: %v", participant, err)
				atomic.AddInt32(&otherCount, 1)
			}
		}(i)
	}
	wg.Wait()

	if successCount != 5 {
		t.Errorf("successes = %d, want exactly 5", successCount)
	}
	if fullCount != attempts-5 {
		t.Errorf("capacity rejections = %d, want %d", fullCount, attempts-5)
	}
	if otherCount != 0 {
		t.Errorf("unexpected errors = %d, want 0", otherCount)
	}
	checkCounter(t, st, id)

	final, _ := st.GetEvent(ctx, id)
	if final.CurrentVolunteers != 5 {
		t.Errorf("current_volunteers = %d, want 5", final.CurrentVolunteers)
	}
}

// TestConcurrentJoinAndLeave churns joins and leaves against one event and
// verifies the counter invariant holds at the end.
func TestConcurrentJoinAndLeave(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	ev := testEvent()
	ev.MaxVolunteers = 50
	id, err := st.CreateEvent(ctx, ev)
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	const workers = 40
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(n int) {
			defer wg.Done()
			participant := fmt.Sprintf("volunteer-%d", n)
			if _, err := st.Join(ctx, participant, id, "", []string{"logistics"}, 1001); err != nil {
				return
			}
			if n%2 == 0 {
				_ = st.Leave(ctx, participant, id, 1002)
			}
		}(i)
	}
	wg.Wait()

	checkCounter(t, st, id)
}

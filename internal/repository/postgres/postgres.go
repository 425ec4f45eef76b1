// Package postgres implements the coordination store on PostgreSQL using
// pgx directly (no ORM). Every mutating operation runs in one transaction
// that takes a row-level lock on the event (SELECT ... FOR UPDATE), so
// concurrent mutations of the same event are serialized by the database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relieforg/crisis-coordination/internal/apperror"
	"github.com/relieforg/crisis-coordination/internal/model"
)

// Store persists events and enrollments in PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// New constructs a Store over an existing connection pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// InitSchema creates the tables and the sequence row if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value BIGINT NOT NULL
	);
	INSERT INTO event_sequence (id, value) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

	CREATE TABLE IF NOT EXISTS events (
		id BIGINT PRIMARY KEY,
		coordinator TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		location TEXT NOT NULL,
		start_block BIGINT NOT NULL,
		end_block BIGINT,
		status TEXT NOT NULL CHECK (status IN ('open', 'active', 'closed', 'cancelled')),
		required_skills TEXT[] NOT NULL DEFAULT '{}',
		max_volunteers INTEGER NOT NULL CHECK (max_volunteers > 0),
		current_volunteers INTEGER NOT NULL DEFAULT 0 CHECK (current_volunteers >= 0),
		created_at BIGINT NOT NULL,
		tags TEXT[] NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		record_id UUID PRIMARY KEY,
		event_id BIGINT NOT NULL REFERENCES events(id),
		participant TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		skills_provided TEXT[] NOT NULL DEFAULT '{}',
		joined_at BIGINT NOT NULL,
		UNIQUE (event_id, participant)
	);
	`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// withTx runs fn inside one transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const eventColumns = `id, coordinator, title, description, location, start_block, end_block,
	 status, required_skills, max_volunteers, current_volunteers, created_at, tags`

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// lockEvent loads the event row with FOR UPDATE so the surrounding
// transaction holds an exclusive lock until commit or rollback. Concurrent
// joins racing for the last slot block here; only the first sees the free
// capacity.
func lockEvent(ctx context.Context, tx pgx.Tx, eventID int64) (*model.Event, error) {
	return scanEventRow(tx.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, eventID))
}

func getEvent(ctx context.Context, q querier, eventID int64) (*model.Event, error) {
	return scanEventRow(q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, eventID))
}

func scanEventRow(row pgx.Row) (*model.Event, error) {
	var ev model.Event
	err := row.Scan(&ev.ID, &ev.Coordinator, &ev.Title, &ev.Description, &ev.Location,
		&ev.StartBlock, &ev.EndBlock, &ev.Status, &ev.RequiredSkills, &ev.MaxVolunteers,
		&ev.CurrentVolunteers, &ev.CreatedAt, &ev.Tags)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &ev, nil
}

// CreateEvent allocates the next id from the sequence row (locking it via
// the UPDATE) and inserts the event in the same transaction, so a failed
// creation rolls the sequence back and never leaves an id gap.
func (s *Store) CreateEvent(ctx context.Context, ev model.Event) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`UPDATE event_sequence SET value = value + 1 WHERE id = 1 RETURNING value`,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("advance event sequence: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO events (id, coordinator, title, description, location, start_block,
			   end_block, status, required_skills, max_volunteers, current_volunteers, created_at, tags)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			id, ev.Coordinator, ev.Title, ev.Description, ev.Location, ev.StartBlock,
			ev.EndBlock, ev.Status, skillSlice(ev.RequiredSkills), ev.MaxVolunteers,
			ev.CurrentVolunteers, ev.CreatedAt, skillSlice(ev.Tags),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateEvent applies the patch to an open, not-yet-started event owned by
// the caller.
func (s *Store) UpdateEvent(ctx context.Context, caller string, eventID int64, patch model.EventPatch, now int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ev, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}
		if err := model.CanUpdate(ev, caller, now); err != nil {
			return err
		}

		model.ApplyPatch(ev, patch)

		_, err = tx.Exec(ctx,
			`UPDATE events
			 SET title = $1, description = $2, location = $3, end_block = $4, max_volunteers = $5, tags = $6
			 WHERE id = $7`,
			ev.Title, ev.Description, ev.Location, ev.EndBlock, ev.MaxVolunteers,
			skillSlice(ev.Tags), eventID,
		)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		return nil
	})
}

// TransitionStatus moves the event into closed or cancelled and stamps
// end_block with the current clock value.
func (s *Store) TransitionStatus(ctx context.Context, caller string, eventID int64, target model.Status, now int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ev, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}
		if err := model.CanCloseOrCancel(ev, caller, target); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE events SET status = $1, end_block = $2 WHERE id = $3`,
			target, now, eventID,
		); err != nil {
			return fmt.Errorf("transition status: %w", err)
		}
		return nil
	})
}

// ActivateEvent moves an open event into the active status.
func (s *Store) ActivateEvent(ctx context.Context, caller string, eventID int64, now int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ev, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}
		if err := model.CanActivate(ev, caller, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE events SET status = $1 WHERE id = $2`,
			model.StatusActive, eventID,
		); err != nil {
			return fmt.Errorf("activate event: %w", err)
		}
		return nil
	})
}

// Join enrolls a volunteer inside one serialized transaction: the FOR UPDATE
// lock on the event row makes the duplicate check, capacity guard, skill
// match, record insert, and counter increment indivisible.
func (s *Store) Join(ctx context.Context, caller string, eventID int64, role string, skills []string, now int64) (*model.EnrollmentRecord, error) {
	var rec *model.EnrollmentRecord
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		ev, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}

		var joined bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrollments WHERE event_id = $1 AND participant = $2)`,
			eventID, caller,
		).Scan(&joined)
		if err != nil {
			return fmt.Errorf("check enrollment: %w", err)
		}

		if err := model.CanJoin(ev, joined, skills); err != nil {
			return err
		}

		rec = &model.EnrollmentRecord{
			RecordID:       uuid.New().String(),
			EventID:        eventID,
			Participant:    caller,
			Role:           role,
			SkillsProvided: skills,
			JoinedAt:       now,
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO enrollments (record_id, event_id, participant, role, skills_provided, joined_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.RecordID, rec.EventID, rec.Participant, rec.Role, skillSlice(rec.SkillsProvided), rec.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE events SET current_volunteers = current_volunteers + 1 WHERE id = $1`,
			eventID,
		); err != nil {
			return fmt.Errorf("increment volunteer count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Leave deletes the enrollment record and decrements the counter in one
// transaction.
func (s *Store) Leave(ctx context.Context, caller string, eventID int64, now int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		ev, err := lockEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}

		var joined bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrollments WHERE event_id = $1 AND participant = $2)`,
			eventID, caller,
		).Scan(&joined)
		if err != nil {
			return fmt.Errorf("check enrollment: %w", err)
		}

		if err := model.CanLeave(ev, joined, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM enrollments WHERE event_id = $1 AND participant = $2`,
			eventID, caller,
		); err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE events SET current_volunteers = current_volunteers - 1 WHERE id = $1`,
			eventID,
		); err != nil {
			return fmt.Errorf("decrement volunteer count: %w", err)
		}
		return nil
	})
}

// GetEvent returns the event, or nil when no event has that id.
func (s *Store) GetEvent(ctx context.Context, eventID int64) (*model.Event, error) {
	return getEvent(ctx, s.db, eventID)
}

// GetEnrollment returns the enrollment record, or nil when absent.
func (s *Store) GetEnrollment(ctx context.Context, eventID int64, participant string) (*model.EnrollmentRecord, error) {
	var rec model.EnrollmentRecord
	err := s.db.QueryRow(ctx,
		`SELECT record_id, event_id, participant, role, skills_provided, joined_at
		 FROM enrollments WHERE event_id = $1 AND participant = $2`,
		eventID, participant,
	).Scan(&rec.RecordID, &rec.EventID, &rec.Participant, &rec.Role, &rec.SkillsProvided, &rec.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &rec, nil
}

// ListEvents returns all events ordered by id.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		if err := rows.Scan(&ev.ID, &ev.Coordinator, &ev.Title, &ev.Description, &ev.Location,
			&ev.StartBlock, &ev.EndBlock, &ev.Status, &ev.RequiredSkills, &ev.MaxVolunteers,
			&ev.CurrentVolunteers, &ev.CreatedAt, &ev.Tags); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListEnrollments returns all enrollment records for an event in join order.
func (s *Store) ListEnrollments(ctx context.Context, eventID int64) ([]model.EnrollmentRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT record_id, event_id, participant, role, skills_provided, joined_at
		 FROM enrollments WHERE event_id = $1 ORDER BY joined_at ASC, record_id ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var recs []model.EnrollmentRecord
	for rows.Next() {
		var rec model.EnrollmentRecord
		if err := rows.Scan(&rec.RecordID, &rec.EventID, &rec.Participant, &rec.Role,
			&rec.SkillsProvided, &rec.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TotalEvents reads the sequence value: the number of events ever created.
func (s *Store) TotalEvents(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRow(ctx,
		`SELECT value FROM event_sequence WHERE id = 1`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("read event sequence: %w", err)
	}
	return total, nil
}

// skillSlice normalizes a nil slice to an empty one so the TEXT[] columns
// never receive NULL.
func skillSlice(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

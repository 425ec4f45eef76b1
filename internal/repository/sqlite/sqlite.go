// Package sqlite implements the coordination store on an embedded SQLite
// database (modernc.org/sqlite, pure Go). Writes are serialized through a
// single connection so every engine operation runs as one indivisible
// transaction with no visible intermediate state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/relieforg/crisis-coordination/internal/apperror"
	"github.com/relieforg/crisis-coordination/internal/model"
)

// Store persists events and enrollments in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and ensures the schema.
// A dsn like "file:coordination.db?cache=shared&mode=rwc" or ":memory:"
// works; the single-connection limit below is what serializes concurrent
// write transactions.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// One connection avoids "database is locked" errors and gives each
	// transaction exclusive access to the file.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_sequence (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	);
	INSERT OR IGNORE INTO event_sequence (id, value) VALUES (1, 0);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY,
		coordinator TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		location TEXT NOT NULL,
		start_block INTEGER NOT NULL,
		end_block INTEGER,
		status TEXT NOT NULL CHECK (status IN ('open', 'active', 'closed', 'cancelled')),
		required_skills TEXT NOT NULL DEFAULT '[]',
		max_volunteers INTEGER NOT NULL CHECK (max_volunteers > 0),
		current_volunteers INTEGER NOT NULL DEFAULT 0 CHECK (current_volunteers >= 0),
		created_at INTEGER NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS enrollments (
		record_id TEXT PRIMARY KEY,
		event_id INTEGER NOT NULL REFERENCES events(id),
		participant TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		skills_provided TEXT NOT NULL DEFAULT '[]',
		joined_at INTEGER NOT NULL,
		UNIQUE (event_id, participant)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// withTx runs fn inside one transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const eventColumns = `id, coordinator, title, description, location, start_block, end_block,
	 status, required_skills, max_volunteers, current_volunteers, created_at, tags`

func getEvent(ctx context.Context, q querier, eventID int64) (*model.Event, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, eventID)

	var (
		ev       model.Event
		endBlock sql.NullInt64
		skills   string
		tags     string
	)
	err := row.Scan(&ev.ID, &ev.Coordinator, &ev.Title, &ev.Description, &ev.Location,
		&ev.StartBlock, &endBlock, &ev.Status, &skills, &ev.MaxVolunteers,
		&ev.CurrentVolunteers, &ev.CreatedAt, &tags)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	if endBlock.Valid {
		ev.EndBlock = &endBlock.Int64
	}
	if ev.RequiredSkills, err = fromJSON(skills); err != nil {
		return nil, fmt.Errorf("decode required skills: %w", err)
	}
	if ev.Tags, err = fromJSON(tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return &ev, nil
}

// CreateEvent allocates the next id from the sequence row and inserts the
// event, all in one transaction. A rolled-back transaction returns the
// sequence value too, so failed creations never leave an id gap.
func (s *Store) CreateEvent(ctx context.Context, ev model.Event) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE event_sequence SET value = value + 1 WHERE id = 1 RETURNING value`,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("advance event sequence: %w", err)
		}

		var endBlock any
		if ev.EndBlock != nil {
			endBlock = *ev.EndBlock
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (id, coordinator, title, description, location, start_block,
			   end_block, status, required_skills, max_volunteers, current_volunteers, created_at, tags)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ev.Coordinator, ev.Title, ev.Description, ev.Location, ev.StartBlock,
			endBlock, ev.Status, toJSON(ev.RequiredSkills), ev.MaxVolunteers,
			ev.CurrentVolunteers, ev.CreatedAt, toJSON(ev.Tags),
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
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, eventID)
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

		var endBlock any
		if ev.EndBlock != nil {
			endBlock = *ev.EndBlock
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE events
			 SET title = ?, description = ?, location = ?, end_block = ?, max_volunteers = ?, tags = ?
			 WHERE id = ?`,
			ev.Title, ev.Description, ev.Location, endBlock, ev.MaxVolunteers,
			toJSON(ev.Tags), eventID,
		)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		return nil
	})
}

// TransitionStatus moves the event into closed or cancelled and stamps
// end_block with the current clock value. Closing is authoritative over the
// originally planned end block.
func (s *Store) TransitionStatus(ctx context.Context, caller string, eventID int64, target model.Status, now int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}
		if err := model.CanCloseOrCancel(ev, caller, target); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ?, end_block = ? WHERE id = ?`,
			target, now, eventID,
		); err != nil {
			return fmt.Errorf("transition status: %w", err)
		}
		return nil
	})
}

// ActivateEvent moves an open event into the active status.
func (s *Store) ActivateEvent(ctx context.Context, caller string, eventID int64, now int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}
		if err := model.CanActivate(ev, caller, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET status = ? WHERE id = ?`,
			model.StatusActive, eventID,
		); err != nil {
			return fmt.Errorf("activate event: %w", err)
		}
		return nil
	})
}

// Join enrolls a volunteer: the duplicate check, the capacity guard, the
// skill match, the record insert, and the counter increment all happen in
// one transaction, so two joins racing for the last slot cannot both win.
func (s *Store) Join(ctx context.Context, caller string, eventID int64, role string, skills []string, now int64) (*model.EnrollmentRecord, error) {
	var rec *model.EnrollmentRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}

		var joined bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrollments WHERE event_id = ? AND participant = ?)`,
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
		_, err = tx.ExecContext(ctx,
			`INSERT INTO enrollments (record_id, event_id, participant, role, skills_provided, joined_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rec.RecordID, rec.EventID, rec.Participant, rec.Role, toJSON(rec.SkillsProvided), rec.JoinedAt,
		)
		if err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET current_volunteers = current_volunteers + 1 WHERE id = ?`,
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
// transaction. The record-existence precondition keeps the counter from
// ever going negative.
func (s *Store) Leave(ctx context.Context, caller string, eventID int64, now int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ev, err := getEvent(ctx, tx, eventID)
		if err != nil {
			return err
		}
		if ev == nil {
			return apperror.ErrInvalidEvent
		}

		var joined bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM enrollments WHERE event_id = ? AND participant = ?)`,
			eventID, caller,
		).Scan(&joined)
		if err != nil {
			return fmt.Errorf("check enrollment: %w", err)
		}

		if err := model.CanLeave(ev, joined, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM enrollments WHERE event_id = ? AND participant = ?`,
			eventID, caller,
		); err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET current_volunteers = current_volunteers - 1 WHERE id = ?`,
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
	row := s.db.QueryRowContext(ctx,
		`SELECT record_id, event_id, participant, role, skills_provided, joined_at
		 FROM enrollments WHERE event_id = ? AND participant = ?`,
		eventID, participant,
	)
	rec, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return rec, nil
}

// ListEvents returns all events ordered by id.
func (s *Store) ListEvents(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			ev       model.Event
			endBlock sql.NullInt64
			skills   string
			tags     string
		)
		if err := rows.Scan(&ev.ID, &ev.Coordinator, &ev.Title, &ev.Description, &ev.Location,
			&ev.StartBlock, &endBlock, &ev.Status, &skills, &ev.MaxVolunteers,
			&ev.CurrentVolunteers, &ev.CreatedAt, &tags); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if endBlock.Valid {
			ev.EndBlock = &endBlock.Int64
		}
		if ev.RequiredSkills, err = fromJSON(skills); err != nil {
			return nil, fmt.Errorf("decode required skills: %w", err)
		}
		if ev.Tags, err = fromJSON(tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListEnrollments returns all enrollment records for an event in join order.
func (s *Store) ListEnrollments(ctx context.Context, eventID int64) ([]model.EnrollmentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, event_id, participant, role, skills_provided, joined_at
		 FROM enrollments WHERE event_id = ? ORDER BY joined_at ASC, record_id ASC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var recs []model.EnrollmentRecord
	for rows.Next() {
		rec, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// TotalEvents reads the sequence value: the number of events ever created.
func (s *Store) TotalEvents(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM event_sequence WHERE id = 1`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("read event sequence: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (*model.EnrollmentRecord, error) {
	var (
		rec    model.EnrollmentRecord
		skills string
	)
	if err := row.Scan(&rec.RecordID, &rec.EventID, &rec.Participant, &rec.Role,
		&skills, &rec.JoinedAt); err != nil {
		return nil, err
	}
	var err error
	if rec.SkillsProvided, err = fromJSON(skills); err != nil {
		return nil, fmt.Errorf("decode skills: %w", err)
	}
	return &rec, nil
}

func toJSON(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func fromJSON(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, err
	}
	return values, nil
}

package permission

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the tables authorization reads. courses and enrollments
// belong to the course service; the statements only create them when absent.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS courses (
  id            TEXT PRIMARY KEY,
  instructor_id TEXT NOT NULL,
  status        TEXT NOT NULL DEFAULT 'draft' CHECK (status IN ('draft', 'published', 'archived')),
  deleted_at    TIMESTAMPTZ,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS course_teacher_grants (
  course_id  TEXT NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
  teacher_id TEXT NOT NULL,
  can_edit   BOOLEAN NOT NULL DEFAULT FALSE,
  can_delete BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (course_id, teacher_id)
);
CREATE TABLE IF NOT EXISTS enrollments (
  student_id  TEXT NOT NULL,
  course_id   TEXT NOT NULL REFERENCES courses (id) ON DELETE CASCADE,
  status      TEXT NOT NULL DEFAULT 'active',
  enrolled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (course_id, student_id)
);
`

// DB is the subset of pgx used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads courses, grants and enrollments and writes grants.
type PostgresStore struct {
	db DB
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ GrantWriter = (*PostgresStore)(nil)
)

// NewPostgresStore returns a store over db.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the authorization tables if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return nil
}

// Course implements CourseReader.
func (s *PostgresStore) Course(ctx context.Context, courseID string) (Course, error) {
	var (
		c      Course
		status string
	)
	err := s.db.QueryRow(ctx, `
    SELECT id, instructor_id, status
    FROM courses
    WHERE id = $1 AND deleted_at IS NULL
  `, courseID).Scan(&c.ID, &c.InstructorID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Course{}, ErrNotFound
		}
		return Course{}, err
	}
	c.Status = CourseStatus(status)
	return c, nil
}

// Grant implements GrantReader.
func (s *PostgresStore) Grant(ctx context.Context, courseID, teacherID string) (Grant, error) {
	g := Grant{CourseID: courseID, TeacherID: teacherID}
	err := s.db.QueryRow(ctx, `
    SELECT can_edit, can_delete
    FROM course_teacher_grants
    WHERE course_id = $1 AND teacher_id = $2
  `, courseID, teacherID).Scan(&g.CanEdit, &g.CanDelete)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNotFound
		}
		return Grant{}, err
	}
	return g, nil
}

// Enrolled implements EnrollmentReader. Any row counts, whatever its status.
func (s *PostgresStore) Enrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
    SELECT EXISTS (SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2)
  `, courseID, studentID).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// PutGrant upserts a grant row. Missing and soft-deleted courses return
// ErrNotFound.
func (s *PostgresStore) PutGrant(ctx context.Context, g Grant) error {
	tag, err := s.db.Exec(ctx, `
    INSERT INTO course_teacher_grants (course_id, teacher_id, can_edit, can_delete)
    SELECT id, $2, $3, $4
    FROM courses
    WHERE id = $1 AND deleted_at IS NULL
    ON CONFLICT (course_id, teacher_id)
    DO UPDATE SET can_edit = EXCLUDED.can_edit, can_delete = EXCLUDED.can_delete, updated_at = now()
  `, g.CourseID, g.TeacherID, g.CanEdit, g.CanDelete)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("%w: put grant: %v", ErrUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGrant removes a grant row and reports whether one existed.
func (s *PostgresStore) DeleteGrant(ctx context.Context, courseID, teacherID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
    DELETE FROM course_teacher_grants WHERE course_id = $1 AND teacher_id = $2
  `, courseID, teacherID)
	if err != nil {
		return false, fmt.Errorf("%w: delete grant: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected() > 0, nil
}

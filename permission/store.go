package permission

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by readers when the course, grant or enrollment
	// does not exist.
	ErrNotFound = errors.New("permission: not found")
	// ErrUnavailable wraps every store failure surfaced by the Engine.
	ErrUnavailable = errors.New("permission store unavailable")
)

// CourseStatus is the publication state of a course.
type CourseStatus string

const (
	CourseDraft     CourseStatus = "draft"
	CoursePublished CourseStatus = "published"
	CourseArchived  CourseStatus = "archived"
)

// Course is the part of a course record that authorization reads.
type Course struct {
	ID           string
	InstructorID string
	Status       CourseStatus
}

// Grant delegates access to a non-owner teacher. Any grant implies view access.
type Grant struct {
	CourseID  string
	TeacherID string
	CanEdit   bool
	CanDelete bool
}

// CourseReader loads live courses. Soft-deleted courses are ErrNotFound.
type CourseReader interface {
	Course(ctx context.Context, courseID string) (Course, error)
}

// GrantReader loads the grant row for (courseID, teacherID).
type GrantReader interface {
	Grant(ctx context.Context, courseID, teacherID string) (Grant, error)
}

// EnrollmentReader reports whether any enrollment row exists, whatever its status.
type EnrollmentReader interface {
	Enrolled(ctx context.Context, courseID, studentID string) (bool, error)
}

// Store bundles the three readers.
type Store interface {
	CourseReader
	GrantReader
	EnrollmentReader
}

// GrantWriter mutates teacher grants. At most one grant exists per pair.
type GrantWriter interface {
	PutGrant(ctx context.Context, g Grant) error
	DeleteGrant(ctx context.Context, courseID, teacherID string) (bool, error)
}

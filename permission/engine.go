package permission

import (
	"context"
	"errors"
	"fmt"
)

// Set is the combined teacher view of one course.
type Set struct {
	IsOwner   bool `json:"isOwner"`
	CanEdit   bool `json:"canEdit"`
	CanDelete bool `json:"canDelete"`
}

// Engine resolves course decisions. It holds no state besides its readers and
// is safe for concurrent use.
type Engine struct {
	courses     CourseReader
	grants      GrantReader
	enrollments EnrollmentReader
}

// NewEngine wires the three readers explicitly.
func NewEngine(courses CourseReader, grants GrantReader, enrollments EnrollmentReader) (*Engine, error) {
	if courses == nil || grants == nil || enrollments == nil {
		return nil, errors.New("permission: course, grant and enrollment readers are required")
	}
	return &Engine{courses: courses, grants: grants, enrollments: enrollments}, nil
}

// NewEngineFromStore wires every reader from one Store.
func NewEngineFromStore(s Store) (*Engine, error) {
	return NewEngine(s, s, s)
}

type rule func(ctx context.Context, e *Engine, principalID, courseID string) (bool, error)

// rules is the whole lattice. A role missing from this table is denied everything.
var rules = map[Role][actionCount]rule{
	RoleAdmin: {
		ActionAccess: allow,
		ActionEdit:   allow,
		ActionDelete: allow,
	},
	RoleTeacher: {
		ActionAccess: teacherAccess,
		ActionEdit:   teacherMutation(func(g Grant) bool { return g.CanEdit }),
		ActionDelete: teacherMutation(func(g Grant) bool { return g.CanDelete }),
	},
	RoleStudent: {
		ActionAccess: studentAccess,
		ActionEdit:   deny,
		ActionDelete: deny,
	},
}

// Allowed dispatches action for role. Unknown roles and actions are denied
// without touching the store.
func (e *Engine) Allowed(ctx context.Context, action Action, principalID, courseID string, role Role) (bool, error) {
	table, ok := rules[role]
	if !ok || action >= actionCount || principalID == "" || courseID == "" {
		return false, nil
	}
	return table[action](ctx, e, principalID, courseID)
}

// CanAccess reports whether the principal may view the course.
func (e *Engine) CanAccess(ctx context.Context, principalID, courseID string, role Role) (bool, error) {
	return e.Allowed(ctx, ActionAccess, principalID, courseID, role)
}

// CanEdit reports whether the principal may modify the course.
func (e *Engine) CanEdit(ctx context.Context, principalID, courseID string, role Role) (bool, error) {
	return e.Allowed(ctx, ActionEdit, principalID, courseID, role)
}

// CanDelete reports whether the principal may delete the course.
func (e *Engine) CanDelete(ctx context.Context, principalID, courseID string, role Role) (bool, error) {
	return e.Allowed(ctx, ActionDelete, principalID, courseID, role)
}

// Permissions returns the teacher view of a course in one pass. Ownership
// implies both flags. Without ownership the flags come from the grant row and
// default to false. A missing course yields the zero Set.
func (e *Engine) Permissions(ctx context.Context, teacherID, courseID string) (Set, error) {
	if teacherID == "" || courseID == "" {
		return Set{}, nil
	}
	course, found, err := e.course(ctx, courseID)
	if err != nil || !found {
		return Set{}, err
	}
	if course.InstructorID == teacherID {
		return Set{IsOwner: true, CanEdit: true, CanDelete: true}, nil
	}
	grant, found, err := e.grant(ctx, courseID, teacherID)
	if err != nil || !found {
		return Set{}, err
	}
	return Set{CanEdit: grant.CanEdit, CanDelete: grant.CanDelete}, nil
}

// PermissionsFor extends Permissions to every role: admins get both flags,
// students get none.
func (e *Engine) PermissionsFor(ctx context.Context, principalID, courseID string, role Role) (Set, error) {
	switch role {
	case RoleAdmin:
		return Set{CanEdit: true, CanDelete: true}, nil
	case RoleTeacher:
		return e.Permissions(ctx, principalID, courseID)
	default:
		return Set{}, nil
	}
}

func allow(context.Context, *Engine, string, string) (bool, error) { return true, nil }

func deny(context.Context, *Engine, string, string) (bool, error) { return false, nil }

func teacherAccess(ctx context.Context, e *Engine, teacherID, courseID string) (bool, error) {
	course, found, err := e.course(ctx, courseID)
	if err != nil || !found {
		return false, err
	}
	if course.InstructorID == teacherID {
		return true, nil
	}
	// Any grant row is view access, whatever its flags.
	_, found, err = e.grant(ctx, courseID, teacherID)
	return found, err
}

func teacherMutation(flag func(Grant) bool) rule {
	return func(ctx context.Context, e *Engine, teacherID, courseID string) (bool, error) {
		course, found, err := e.course(ctx, courseID)
		if err != nil || !found {
			return false, err
		}
		if course.InstructorID == teacherID {
			return true, nil
		}
		grant, found, err := e.grant(ctx, courseID, teacherID)
		if err != nil || !found {
			return false, err
		}
		return flag(grant), nil
	}
}

func studentAccess(ctx context.Context, e *Engine, studentID, courseID string) (bool, error) {
	course, found, err := e.course(ctx, courseID)
	if err != nil || !found {
		return false, err
	}
	if course.Status == CoursePublished {
		return true, nil
	}
	enrolled, err := e.enrollments.Enrolled(ctx, courseID, studentID)
	if err != nil {
		return false, unavailable("enrollment", err)
	}
	return enrolled, nil
}

func (e *Engine) course(ctx context.Context, courseID string) (Course, bool, error) {
	course, err := e.courses.Course(ctx, courseID)
	switch {
	case err == nil:
		return course, true, nil
	case errors.Is(err, ErrNotFound):
		return Course{}, false, nil
	default:
		return Course{}, false, unavailable("course", err)
	}
}

func (e *Engine) grant(ctx context.Context, courseID, teacherID string) (Grant, bool, error) {
	grant, err := e.grants.Grant(ctx, courseID, teacherID)
	switch {
	case err == nil:
		return grant, true, nil
	case errors.Is(err, ErrNotFound):
		return Grant{}, false, nil
	default:
		return Grant{}, false, unavailable("grant", err)
	}
}

func unavailable(lookup string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s lookup: %v", ErrUnavailable, lookup, err)
}

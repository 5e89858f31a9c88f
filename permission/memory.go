package permission

import (
	"context"
	"sync"
)

type grantKey struct{ courseID, teacherID string }

type memoryCourse struct {
	Course
	deleted bool
}

// MemoryStore is an in-process Store and GrantWriter for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	courses     map[string]memoryCourse
	grants      map[grantKey]Grant
	enrollments map[grantKey]string
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ GrantWriter = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		courses:     make(map[string]memoryCourse),
		grants:      make(map[grantKey]Grant),
		enrollments: make(map[grantKey]string),
	}
}

// PutCourse inserts or replaces a course and clears any soft delete.
func (m *MemoryStore) PutCourse(c Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = memoryCourse{Course: c}
}

// SoftDeleteCourse hides a course from Course lookups.
func (m *MemoryStore) SoftDeleteCourse(courseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.courses[courseID]; ok {
		c.deleted = true
		m.courses[courseID] = c
	}
}

// Enroll records an enrollment with the given status.
func (m *MemoryStore) Enroll(courseID, studentID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[grantKey{courseID, studentID}] = status
}

// Course implements CourseReader.
func (m *MemoryStore) Course(ctx context.Context, courseID string) (Course, error) {
	if err := ctx.Err(); err != nil {
		return Course{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[courseID]
	if !ok || c.deleted {
		return Course{}, ErrNotFound
	}
	return c.Course, nil
}

// Grant implements GrantReader.
func (m *MemoryStore) Grant(ctx context.Context, courseID, teacherID string) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.grants[grantKey{courseID, teacherID}]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return g, nil
}

// Enrolled implements EnrollmentReader.
func (m *MemoryStore) Enrolled(ctx context.Context, courseID, studentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.enrollments[grantKey{courseID, studentID}]
	return ok, nil
}

// PutGrant upserts the grant for (g.CourseID, g.TeacherID).
func (m *MemoryStore) PutGrant(ctx context.Context, g Grant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.courses[g.CourseID]; !ok || c.deleted {
		return ErrNotFound
	}
	m.grants[grantKey{g.CourseID, g.TeacherID}] = g
	return nil
}

// DeleteGrant removes a grant and reports whether it existed.
func (m *MemoryStore) DeleteGrant(ctx context.Context, courseID, teacherID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := grantKey{courseID, teacherID}
	_, ok := m.grants[key]
	delete(m.grants, key)
	return ok, nil
}

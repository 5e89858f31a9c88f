package permission

import "strings"

// Role is the closed set of principal tiers.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ParseRole accepts the canonical lowercase names, ignoring surrounding space and case.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return r, true
	default:
		return "", false
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := rules[r]
	return ok
}

func (r Role) String() string { return string(r) }

// Action is an operation on a course.
type Action uint8

const (
	ActionAccess Action = iota
	ActionEdit
	ActionDelete

	actionCount
)

var actionNames = [actionCount]string{
	ActionAccess: "access",
	ActionEdit:   "edit",
	ActionDelete: "delete",
}

func (a Action) String() string {
	if a < actionCount {
		return actionNames[a]
	}
	return "unknown"
}

// ParseAction maps "access", "edit" or "delete" to an Action.
func ParseAction(s string) (Action, bool) {
	for a, name := range actionNames {
		if name == s {
			return Action(a), true
		}
	}
	return 0, false
}

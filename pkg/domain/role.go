package domain

import "strings"

// Role is the part a connection plays on the hub
type Role string

const (
	RoleUnassigned Role = ""
	RolePublisher  Role = "publisher"
	RoleViewer     Role = "viewer"
)

// ParseRole normalizes a claimed role. Anything other than "publisher"
// becomes a viewer claim, so an empty or unknown role never escalates.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RolePublisher)) {
		return RolePublisher
	}
	return RoleViewer
}

// Opposite returns the other assigned role
func (r Role) Opposite() Role {
	switch r {
	case RolePublisher:
		return RoleViewer
	case RoleViewer:
		return RolePublisher
	default:
		return RoleUnassigned
	}
}

// Valid reports whether r is one of the two assignable roles
func (r Role) Valid() bool {
	return r == RolePublisher || r == RoleViewer
}

func (r Role) String() string {
	if r == RoleUnassigned {
		return "unassigned"
	}
	return string(r)
}

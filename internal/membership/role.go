// Package membership resolves whether a user may open collaboration sessions
// on a workspace's documents, and with which role.
package membership

import (
	"errors"
	"fmt"
	"strings"
)

// Role is a workspace membership role.
type Role string

const (
	// RoleNone is returned for users without a membership record.
	RoleNone   Role = ""
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
	RoleViewer Role = "VIEWER"
)

// ErrInvalidRole indicates a role value outside the known set.
var ErrInvalidRole = errors.New("membership: invalid role")

// ParseRole validates a stored or configured role name.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToUpper(strings.TrimSpace(raw))); role {
	case RoleOwner, RoleAdmin, RoleMember, RoleViewer:
		return role, nil
	default:
		return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

// IsMember reports whether the role grants any access.
func (r Role) IsMember() bool {
	return r != RoleNone
}

// CanWrite reports whether the role may submit document updates.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	if r == RoleNone {
		return "NONE"
	}
	return string(r)
}

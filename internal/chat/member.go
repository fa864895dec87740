// Package chat implements the remote-backed conversation session: typed
// message payloads, the member roster, and the connect/disconnect lifecycle
// that folds remote notifications into locally observable state.
package chat

import "strings"

// RoleType ranks a member inside a session. The order is total:
// owner > admin > member. The SDK records roles but leaves authorization
// decisions to the embedding application.
type RoleType int

const (
	// RoleUnspecified represents an unknown role.
	RoleUnspecified RoleType = iota
	// RoleMember is the default participant role.
	RoleMember
	// RoleAdmin may manage other participants.
	RoleAdmin
	// RoleOwner created the session.
	RoleOwner
)

// Outranks reports whether r is strictly higher than other.
func (r RoleType) Outranks(other RoleType) bool {
	return r > other
}

// Label returns the wire label for a role.
func (r RoleType) Label() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	}
	return "unspecified"
}

// ParseRole maps a wire label back to a role. Unknown labels come back as
// RoleUnspecified so a bad payload never grants rank.
func ParseRole(label string) RoleType {
	switch strings.TrimSpace(strings.ToLower(label)) {
	case "owner":
		return RoleOwner
	case "admin":
		return RoleAdmin
	case "member":
		return RoleMember
	}
	return RoleUnspecified
}

// Member pairs a user identity with its role in one session.
type Member struct {
	ID   string
	Role RoleType
}

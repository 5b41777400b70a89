package vault

import "fmt"

// Role is the capability class assigned to a session at authentication time.
// A session's role never changes during its lifetime.
//
// RoleAuthorized sessions were unlocked from a registered device and may
// change root authority. RoleRecovery sessions were unlocked from a physical
// recovery secret; they can decrypt but can never rotate root authority
// (the causal entropy barrier).
type Role uint8

const (
	RoleAuthorized Role = iota + 1
	RoleRecovery
)

// ParseRole parses a string representation of a role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "authorized":
		return RoleAuthorized, nil
	case "recovery":
		return RoleRecovery, nil
	default:
		return 0, fmt.Errorf("invalid role string: %s", s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleAuthorized:
		return "authorized"
	case RoleRecovery:
		return "recovery"
	default:
		return fmt.Sprintf("unknown-role-%d", uint8(r))
	}
}

// Valid returns whether the role is one of the defined constants.
func (r Role) Valid() bool {
	return r == RoleAuthorized || r == RoleRecovery
}

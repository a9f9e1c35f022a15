package models

import "fmt"

// Role classifies an account as a parent or a child. It is a closed set:
// the zero value is not a valid role.
type Role int

const (
	RoleParent Role = iota + 1
	RoleChild
)

// String returns the stored representation of the role.
func (r Role) String() string {
	switch r {
	case RoleParent:
		return "parent"
	case RoleChild:
		return "child"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r == RoleParent || r == RoleChild
}

// ParseRole converts a stored role string back into a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "parent":
		return RoleParent, nil
	case "child":
		return RoleChild, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

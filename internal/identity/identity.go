// Package identity provides the caller-identity model used anywhere the
// caller's authority is relevant: a closed sum of Anonymous, System and
// Principal, plus the hierarchical role enum.
//
// The sum is closed by construction (unexported marker method), so policy
// code can switch exhaustively over the three cases and the compiler keeps
// new identity kinds from appearing unreviewed.
package identity

import "fmt"

type (
	// Identity is the closed sum {Anonymous, System, Principal}.
	Identity interface {
		isIdentity()
	}

	// Anonymous is an unauthenticated caller.
	Anonymous struct{}

	// System is the platform acting on its own behalf: workers, the
	// janitor, the scheduler. System bypasses resource-level checks.
	System struct{}

	// Principal is an authenticated end user or service account with a
	// resolved role set.
	Principal struct {
		// UserID is the platform-local user id.
		UserID string

		// Provider identifies the identity provider that authenticated
		// the principal.
		Provider string

		// Subject is the provider-scoped subject identifier.
		Subject string

		// Roles are the assigned roles. Empty means public-only access.
		Roles []Role
	}
)

func (Anonymous) isIdentity()  {}
func (System) isIdentity()     {}
func (*Principal) isIdentity() {}

// Role is the hierarchical role enum. Ordering is significant:
// a role satisfies any requirement at or below its own level.
type Role int

// Role levels, lowest first.
const (
	RolePublic Role = iota
	RoleDepositor
	RoleCurator
	RoleAdmin
	RoleSuperadmin
)

var roleNames = map[Role]string{
	RolePublic:     "public",
	RoleDepositor:  "depositor",
	RoleCurator:    "curator",
	RoleAdmin:      "admin",
	RoleSuperadmin: "superadmin",
}

var rolesByName = map[string]Role{
	"public":     RolePublic,
	"depositor":  RoleDepositor,
	"curator":    RoleCurator,
	"admin":      RoleAdmin,
	"superadmin": RoleSuperadmin,
}

// String returns the lowercase role name.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}

	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole maps a lowercase role name to its Role value.
func ParseRole(name string) (Role, error) {
	if role, ok := rolesByName[name]; ok {
		return role, nil
	}

	return 0, fmt.Errorf("unknown role %q", name)
}

// AtLeast reports whether any assigned role satisfies the required level.
func (p *Principal) AtLeast(required Role) bool {
	for _, r := range p.Roles {
		if r >= required {
			return true
		}
	}

	return false
}

// MaxRole returns the principal's highest assigned role.
func (p *Principal) MaxRole() Role {
	max := RolePublic
	for _, r := range p.Roles {
		if r > max {
			max = r
		}
	}

	return max
}

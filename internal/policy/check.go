package policy

import (
	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/identity"
)

// Check is a resource-level predicate used by repository decorators. Two
// invariants hold for every check: System bypasses it, Anonymous is
// rejected before it runs.
type Check interface {
	// Allows returns nil when the identity passes the check against the
	// resource, or a domain.AuthorizationError.
	Allows(id identity.Identity, resource Resource) error
}

type (
	ownerCheck   struct{}
	roleCheck    struct{ role identity.Role }
	anyOfCheck   struct{ checks []Check }
	checkAdapter func(p *identity.Principal, resource Resource) bool
)

// Owner passes when the resource's owner id equals the principal's user id.
func Owner() Check {
	return ownerCheck{}
}

// HasRole passes when any assigned role satisfies the required level.
func HasRole(role identity.Role) Check {
	return roleCheck{role: role}
}

// AnyOf passes when at least one inner check passes.
func AnyOf(checks ...Check) Check {
	return anyOfCheck{checks: checks}
}

func (c ownerCheck) Allows(id identity.Identity, resource Resource) error {
	return evaluate(id, resource, func(p *identity.Principal, r Resource) bool {
		return r != nil && r.OwnerID() == p.UserID
	})
}

func (c roleCheck) Allows(id identity.Identity, resource Resource) error {
	return evaluate(id, resource, func(p *identity.Principal, _ Resource) bool {
		return p.AtLeast(c.role)
	})
}

func (c anyOfCheck) Allows(id identity.Identity, resource Resource) error {
	var lastErr error

	for _, check := range c.checks {
		if err := check.Allows(id, resource); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr == nil {
		lastErr = &domain.AuthorizationError{Code: domain.AuthzCodeAccessDenied}
	}

	return lastErr
}

// evaluate applies the shared identity invariants, then the predicate.
func evaluate(id identity.Identity, resource Resource, pred checkAdapter) error {
	switch caller := id.(type) {
	case identity.System:
		return nil

	case identity.Anonymous:
		return &domain.AuthorizationError{Code: domain.AuthzCodeMissingToken}

	case *identity.Principal:
		if pred(caller, resource) {
			return nil
		}

		return &domain.AuthorizationError{Code: domain.AuthzCodeAccessDenied}

	default:
		return &domain.AuthorizationError{Code: domain.AuthzCodeAccessDenied}
	}
}

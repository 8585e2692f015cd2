package policy

import (
	"fmt"
	"log/slog"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/identity"
)

type (
	// Relationship narrows a rule to principals standing in a specific
	// relation to the resource.
	Relationship string

	// Rule is one (action, role?, relationship?) policy entry. A nil Role
	// makes the rule public. Rules for the same action are tried in list
	// order; the first match wins.
	Rule struct {
		Action       Action
		Role         *identity.Role
		Relationship Relationship
	}

	// Resource is anything a relationship-scoped rule can be evaluated
	// against.
	Resource interface {
		// OwnerID returns the owning principal's user id.
		OwnerID() string
	}

	// Kernel evaluates the rule set. Immutable after construction.
	Kernel struct {
		rules  []Rule
		logger *slog.Logger
	}
)

// RelationshipOwner requires the resource's owner to be the principal.
const RelationshipOwner Relationship = "owner"

// NewKernel builds a kernel over a flat rule list. Call ValidateCoverage
// before serving traffic.
func NewKernel(rules []Rule, logger *slog.Logger) *Kernel {
	return &Kernel{
		rules:  rules,
		logger: logger.With("component", "policy"),
	}
}

// RoleRef is a convenience for building rules with an optional role.
func RoleRef(r identity.Role) *identity.Role {
	return &r
}

// ValidateCoverage fails if any Action member has no rule. Run at startup;
// an uncovered action would otherwise deny everything at request time with
// no hint that the rule set is incomplete.
func (k *Kernel) ValidateCoverage() error {
	covered := make(map[Action]bool, len(k.rules))
	for _, rule := range k.rules {
		covered[rule.Action] = true
	}

	for _, action := range AllActions {
		if !covered[action] {
			return fmt.Errorf("%w: no policy rule covers action %q", domain.ErrConfiguration, action)
		}
	}

	return nil
}

// Guard returns nil when the identity may perform the action, or a
// domain.AuthorizationError otherwise. System is always allowed. Every
// decision, allow or deny, emits an audit log entry.
func (k *Kernel) Guard(id identity.Identity, action Action, resource Resource) error {
	switch caller := id.(type) {
	case identity.System:
		k.audit(true, "system", action, "")

		return nil

	case identity.Anonymous:
		for _, rule := range k.rules {
			if rule.Action == action && rule.Role == nil && rule.Relationship == "" {
				k.audit(true, "anonymous", action, "")

				return nil
			}
		}

		k.audit(false, "anonymous", action, "no public rule")

		return &domain.AuthorizationError{Code: domain.AuthzCodeMissingToken, Action: string(action)}

	case *identity.Principal:
		for _, rule := range k.rules {
			if rule.Action != action {
				continue
			}

			if k.matches(rule, caller, resource) {
				k.audit(true, caller.UserID, action, "")

				return nil
			}
		}

		k.audit(false, caller.UserID, action, "no matching rule")

		return &domain.AuthorizationError{Code: domain.AuthzCodeAccessDenied, Action: string(action)}

	default:
		return &domain.AuthorizationError{Code: domain.AuthzCodeAccessDenied, Action: string(action)}
	}
}

// matches evaluates one rule against a principal. A public rule matches any
// principal. A role-bearing rule requires the hierarchy check; an owner
// relationship additionally requires the resource's owner id to equal the
// principal's user id.
func (k *Kernel) matches(rule Rule, p *identity.Principal, resource Resource) bool {
	if rule.Role != nil && !p.AtLeast(*rule.Role) {
		return false
	}

	if rule.Relationship == RelationshipOwner {
		if resource == nil || resource.OwnerID() != p.UserID {
			return false
		}
	}

	return true
}

func (k *Kernel) audit(allowed bool, principal string, action Action, reason string) {
	attrs := []any{
		"principal", principal,
		"action", string(action),
	}

	if allowed {
		k.logger.Debug("authorization allowed", attrs...)

		return
	}

	attrs = append(attrs, "reason", reason)
	k.logger.Warn("authorization denied", attrs...)
}

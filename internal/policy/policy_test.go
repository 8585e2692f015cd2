package policy

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/identity"
)

type testResource struct{ owner string }

func (r testResource) OwnerID() string { return r.owner }

func testKernel(rules []Rule) *Kernel {
	return NewKernel(rules, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateCoverage(t *testing.T) {
	assert.NoError(t, testKernel(DefaultRules()).ValidateCoverage())

	incomplete := []Rule{{Action: ActionRecordRead}}
	err := testKernel(incomplete).ValidateCoverage()

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), string(ActionDepositionCreate))
}

func TestGuard_SystemBypassesEverything(t *testing.T) {
	kernel := testKernel(nil)

	for _, action := range AllActions {
		assert.NoError(t, kernel.Guard(identity.System{}, action, nil))
	}
}

func TestGuard_Anonymous(t *testing.T) {
	kernel := testKernel(DefaultRules())

	assert.NoError(t, kernel.Guard(identity.Anonymous{}, ActionRecordRead, nil))

	err := kernel.Guard(identity.Anonymous{}, ActionDepositionCreate, nil)
	require.Error(t, err)

	var authzErr *domain.AuthorizationError
	require.True(t, errors.As(err, &authzErr))
	assert.Equal(t, domain.AuthzCodeMissingToken, authzErr.Code)
}

func TestGuard_RoleHierarchy(t *testing.T) {
	kernel := testKernel(DefaultRules())

	depositor := &identity.Principal{UserID: "u1", Roles: []identity.Role{identity.RoleDepositor}}
	curator := &identity.Principal{UserID: "u2", Roles: []identity.Role{identity.RoleCurator}}
	superadmin := &identity.Principal{UserID: "u3", Roles: []identity.Role{identity.RoleSuperadmin}}

	assert.NoError(t, kernel.Guard(depositor, ActionDepositionCreate, nil))
	assert.NoError(t, kernel.Guard(curator, ActionValidationExecute, nil))
	assert.NoError(t, kernel.Guard(superadmin, ActionQueueResurrect, nil))

	err := kernel.Guard(depositor, ActionValidationExecute, nil)
	require.Error(t, err)

	var authzErr *domain.AuthorizationError
	require.True(t, errors.As(err, &authzErr))
	assert.Equal(t, domain.AuthzCodeAccessDenied, authzErr.Code)
	assert.Equal(t, string(ActionValidationExecute), authzErr.Action)
}

func TestGuard_OwnerRelationship(t *testing.T) {
	kernel := testKernel(DefaultRules())

	owner := &identity.Principal{UserID: "u1", Roles: []identity.Role{identity.RoleDepositor}}
	stranger := &identity.Principal{UserID: "u2", Roles: []identity.Role{identity.RoleDepositor}}
	resource := testResource{owner: "u1"}

	assert.NoError(t, kernel.Guard(owner, ActionDepositionUpdate, resource))
	assert.ErrorIs(t, kernel.Guard(stranger, ActionDepositionUpdate, resource), domain.ErrAuthorization)

	// Owner-scoped rule never matches without a resource.
	assert.Error(t, kernel.Guard(owner, ActionDepositionUpdate, nil))
}

func TestGuard_FirstMatchWins(t *testing.T) {
	// A public rule ahead of a role rule admits everyone.
	rules := []Rule{
		{Action: ActionRecordRead},
		{Action: ActionRecordRead, Role: RoleRef(identity.RoleAdmin)},
	}
	kernel := testKernel(rules)

	assert.NoError(t, kernel.Guard(identity.Anonymous{}, ActionRecordRead, nil))
	assert.NoError(t, kernel.Guard(&identity.Principal{UserID: "u1"}, ActionRecordRead, nil))
}

func TestChecks(t *testing.T) {
	owner := &identity.Principal{UserID: "u1", Roles: []identity.Role{identity.RoleDepositor}}
	curator := &identity.Principal{UserID: "u2", Roles: []identity.Role{identity.RoleCurator}}
	resource := testResource{owner: "u1"}

	ownerOrCurator := AnyOf(Owner(), HasRole(identity.RoleCurator))

	assert.NoError(t, ownerOrCurator.Allows(owner, resource))
	assert.NoError(t, ownerOrCurator.Allows(curator, resource))

	stranger := &identity.Principal{UserID: "u3", Roles: []identity.Role{identity.RoleDepositor}}
	assert.ErrorIs(t, ownerOrCurator.Allows(stranger, resource), domain.ErrAuthorization)
}

func TestChecks_IdentityInvariants(t *testing.T) {
	checks := []Check{Owner(), HasRole(identity.RoleSuperadmin), AnyOf(Owner())}
	resource := testResource{owner: "u1"}

	for _, check := range checks {
		assert.NoError(t, check.Allows(identity.System{}, resource))

		err := check.Allows(identity.Anonymous{}, resource)
		require.Error(t, err)

		var authzErr *domain.AuthorizationError
		require.True(t, errors.As(err, &authzErr))
		assert.Equal(t, domain.AuthzCodeMissingToken, authzErr.Code)
	}
}

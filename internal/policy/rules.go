package policy

import "github.com/osa-io/osa/internal/identity"

// DefaultRules is the production policy set. Stored flat and evaluated in
// order: put the narrow owner-scoped rules before the broad role rules for
// the same action so audit logs name the rule that actually matched.
func DefaultRules() []Rule {
	return []Rule{
		// Depositions: creators and owners first, curators see everything.
		{Action: ActionDepositionCreate, Role: RoleRef(identity.RoleDepositor)},
		{Action: ActionDepositionRead, Role: RoleRef(identity.RoleDepositor), Relationship: RelationshipOwner},
		{Action: ActionDepositionRead, Role: RoleRef(identity.RoleCurator)},
		{Action: ActionDepositionUpdate, Role: RoleRef(identity.RoleDepositor), Relationship: RelationshipOwner},
		{Action: ActionDepositionUpdate, Role: RoleRef(identity.RoleCurator)},
		{Action: ActionDepositionSubmit, Role: RoleRef(identity.RoleDepositor), Relationship: RelationshipOwner},
		{Action: ActionDepositionSubmit, Role: RoleRef(identity.RoleCurator)},
		{Action: ActionDepositionDelete, Role: RoleRef(identity.RoleDepositor), Relationship: RelationshipOwner},
		{Action: ActionDepositionDelete, Role: RoleRef(identity.RoleAdmin)},

		// Validation runs are visible to their deposition's owner and to
		// curators; only the platform and curators trigger them directly.
		{Action: ActionValidationRead, Role: RoleRef(identity.RoleDepositor), Relationship: RelationshipOwner},
		{Action: ActionValidationRead, Role: RoleRef(identity.RoleCurator)},
		{Action: ActionValidationExecute, Role: RoleRef(identity.RoleCurator)},

		// Published records and their features are public.
		{Action: ActionRecordRead},
		{Action: ActionFeatureRead},
		{Action: ActionRecordPublish, Role: RoleRef(identity.RoleCurator)},

		// Operational surface.
		{Action: ActionSourceSync, Role: RoleRef(identity.RoleAdmin)},
		{Action: ActionQueueInspect, Role: RoleRef(identity.RoleAdmin)},
		{Action: ActionQueueResurrect, Role: RoleRef(identity.RoleAdmin)},
	}
}

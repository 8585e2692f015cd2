// Package policy centralizes authorization decisions. A kernel holds a
// flat, ordered list of rules and answers Guard(identity, action, resource)
// with nil or a domain.AuthorizationError. Coverage over the closed Action
// set is validated once at startup so a missing rule fails the process, not
// a request.
package policy

// Action is the closed enumeration of authorization-subject operations.
// Every member must be covered by at least one rule; ValidateCoverage
// enforces this at startup.
type Action string

const (
	ActionDepositionCreate Action = "deposition:create"
	ActionDepositionRead   Action = "deposition:read"
	ActionDepositionUpdate Action = "deposition:update"
	ActionDepositionSubmit Action = "deposition:submit"
	ActionDepositionDelete Action = "deposition:delete"

	ActionValidationRead    Action = "validation:read"
	ActionValidationExecute Action = "validation:execute"

	ActionRecordRead    Action = "record:read"
	ActionRecordPublish Action = "record:publish"

	ActionFeatureRead Action = "feature:read"

	ActionSourceSync Action = "source:sync"

	ActionQueueInspect   Action = "queue:inspect"
	ActionQueueResurrect Action = "queue:resurrect"
)

// AllActions lists every Action member, in declaration order. Coverage
// validation iterates this list; a new Action constant must be added here
// or the kernel will silently never see it.
var AllActions = []Action{
	ActionDepositionCreate,
	ActionDepositionRead,
	ActionDepositionUpdate,
	ActionDepositionSubmit,
	ActionDepositionDelete,
	ActionValidationRead,
	ActionValidationExecute,
	ActionRecordRead,
	ActionRecordPublish,
	ActionFeatureRead,
	ActionSourceSync,
	ActionQueueInspect,
	ActionQueueResurrect,
}

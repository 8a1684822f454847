package storage

import (
	"context"
	"errors"

	"github.com/opsdeck/opsflow/types"
)

// ErrNotFound is wrapped by every missing-entity error returned from a
// Storage implementation.
var ErrNotFound = errors.New("not found")

// StepBatch is the write set of a single instance transition. Implementations
// apply it atomically: the instance update, completed steps, and created
// steps all land together or not at all.
type StepBatch struct {
	Instance *types.WorkflowInstance
	Complete []types.ActiveStep
	Create   []types.ActiveStep
}

// Storage persists roles, assignments, templates, instances, and steps.
type Storage interface {
	// SaveRole inserts or updates a role.
	SaveRole(ctx context.Context, role types.Role) error

	// GetRole retrieves a role by ID.
	GetRole(ctx context.Context, id uint64) (types.Role, error)

	// DeleteRole removes a role record. Callers are responsible for the
	// reassignment and reference cleanup that must precede it.
	DeleteRole(ctx context.Context, id uint64) error

	// ListRoles returns all roles.
	ListRoles(ctx context.Context) ([]types.Role, error)

	// SaveAssignment inserts or updates a user-role assignment.
	SaveAssignment(ctx context.Context, a types.UserRoleAssignment) error

	// DeleteAssignment removes an assignment by ID.
	DeleteAssignment(ctx context.Context, id uint64) error

	// AssignmentsForUser returns all assignments held by a user.
	AssignmentsForUser(ctx context.Context, userID uint64) ([]types.UserRoleAssignment, error)

	// AssignmentsForRole returns all assignments referencing a role.
	AssignmentsForRole(ctx context.Context, roleID uint64) ([]types.UserRoleAssignment, error)

	// SwapAssignments inserts add and deletes removeIDs as one atomic unit,
	// inserts first. Role reassignment rides on this so no user is ever
	// observable with zero assignments.
	SwapAssignments(ctx context.Context, add []types.UserRoleAssignment, removeIDs []uint64) error

	// SaveTemplate inserts or updates a workflow template.
	SaveTemplate(ctx context.Context, t types.WorkflowTemplate) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error)

	// DeleteTemplate removes a template. Running instances keep executing
	// against their snapshots.
	DeleteTemplate(ctx context.Context, id uint64) error

	// ListTemplates returns all templates.
	ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error)

	// SaveInstance inserts or updates a workflow instance.
	SaveInstance(ctx context.Context, inst types.WorkflowInstance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// ListActiveInstances returns all instances with status "active".
	ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error)

	// SaveStep inserts or updates an active step.
	SaveStep(ctx context.Context, s types.ActiveStep) error

	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, id uint64) (types.ActiveStep, error)

	// StepsForInstance returns all steps of an instance.
	StepsForInstance(ctx context.Context, instanceID uint64) ([]types.ActiveStep, error)

	// ApplyStepBatch applies an advance/cancel write set atomically.
	ApplyStepBatch(ctx context.Context, batch StepBatch) error
}

// withContext is a standalone generic helper honouring context cancellation.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

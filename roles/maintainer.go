package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/opsdeck/opsflow/events"
	"github.com/opsdeck/opsflow/storage"
	"github.com/opsdeck/opsflow/types"
)

// FallbackRoleName is the always-present role held by any user who would
// otherwise hold zero roles.
const FallbackRoleName = "No Assigned Role"

var (
	// ErrSelfAssignment rejects a user assigning a role to themselves,
	// regardless of their own privileges.
	ErrSelfAssignment = errors.New("authorization denied: users cannot assign roles to themselves")
	// ErrRoleNotHeld rejects removing a role the target does not hold.
	ErrRoleNotHeld = errors.New("user does not hold role")
	// ErrProtectedRole rejects deleting a system role or removing the
	// fallback role when it is the user's only role.
	ErrProtectedRole = errors.New("role is protected")
	// ErrFallbackUnavailable aborts a last-role removal when the fallback
	// role is missing. Prior state is left untouched; requires
	// administrator repair.
	ErrFallbackUnavailable = errors.New("fallback role unavailable")
)

// Maintainer mutates user-role assignments while holding the invariant that
// every user keeps at least one role at every observable point. All role
// churn goes through here, never through direct field edits.
type Maintainer struct {
	store    storage.Storage
	generate generator.Generator
	bus      *events.EventBus
	logger   *slog.Logger
}

// NewMaintainer wires a Maintainer. bus may be nil to disable event
// publication; logger may be nil.
func NewMaintainer(store storage.Storage, generate generator.Generator, bus *events.EventBus, logger *slog.Logger) (*Maintainer, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintainer{store: store, generate: generate, bus: bus, logger: logger}, nil
}

// EnsureFallbackRole creates the protected fallback role if it does not
// exist yet and returns it.
func (m *Maintainer) EnsureFallbackRole(ctx context.Context) (types.Role, error) {
	role, err := m.fallbackRole(ctx)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrFallbackUnavailable) {
		return types.Role{}, err
	}

	id, err := m.generate.NextID()
	if err != nil {
		return types.Role{}, fmt.Errorf("generate fallback role id: %w", err)
	}
	role = types.Role{ID: id, Name: FallbackRoleName, Protected: true}
	if err := m.store.SaveRole(ctx, role); err != nil {
		return types.Role{}, fmt.Errorf("save fallback role: %w", err)
	}
	m.logger.Info("fallback role created", slog.Uint64("role_id", role.ID))
	return role, nil
}

func (m *Maintainer) fallbackRole(ctx context.Context) (types.Role, error) {
	roles, err := m.store.ListRoles(ctx)
	if err != nil {
		return types.Role{}, fmt.Errorf("list roles: %w", err)
	}
	for _, r := range roles {
		if r.Protected && r.Name == FallbackRoleName {
			return r, nil
		}
	}
	return types.Role{}, ErrFallbackUnavailable
}

// RolesForUser returns the roles a user currently holds, resolving each
// assignment against the role table. Implements the resolver's RoleStore.
func (m *Maintainer) RolesForUser(ctx context.Context, userID uint64) ([]types.Role, error) {
	assignments, err := m.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load assignments for user %d: %w", userID, err)
	}
	roles := make([]types.Role, 0, len(assignments))
	for _, a := range assignments {
		role, err := m.store.GetRole(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// UsersForRole returns the IDs of all users currently assigned the role.
func (m *Maintainer) UsersForRole(ctx context.Context, roleID uint64) ([]uint64, error) {
	assignments, err := m.store.AssignmentsForRole(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("load assignments for role %d: %w", roleID, err)
	}
	seen := make(map[uint64]bool, len(assignments))
	var users []uint64
	for _, a := range assignments {
		if !seen[a.UserID] {
			seen[a.UserID] = true
			users = append(users, a.UserID)
		}
	}
	return users, nil
}

// AssignRole grants a role to the target user. Self-assignment is a
// privilege-escalation attempt: it is rejected and audited no matter who the
// acting user is. If the target's only prior role was the fallback role, the
// fallback association is removed, but only after the new assignment is in
// place.
func (m *Maintainer) AssignRole(ctx context.Context, actingUserID, targetUserID, roleID uint64) error {
	if actingUserID == targetUserID {
		m.logger.Warn("self role-assignment rejected",
			slog.Uint64("user_id", actingUserID),
			slog.Uint64("role_id", roleID))
		m.publish(ctx, events.Event{
			Type:      events.TypeSelfAssignmentDenied,
			ActorID:   actingUserID,
			SubjectID: targetUserID,
			Data:      map[string]interface{}{"role_id": roleID},
		})
		return ErrSelfAssignment
	}

	if _, err := m.store.GetRole(ctx, roleID); err != nil {
		return err
	}

	existing, err := m.store.AssignmentsForUser(ctx, targetUserID)
	if err != nil {
		return fmt.Errorf("load assignments for user %d: %w", targetUserID, err)
	}
	for _, a := range existing {
		if a.RoleID == roleID {
			return nil // already holds the role
		}
	}

	id, err := m.generate.NextID()
	if err != nil {
		return fmt.Errorf("generate assignment id: %w", err)
	}
	assignment := types.UserRoleAssignment{
		ID:         id,
		UserID:     targetUserID,
		RoleID:     roleID,
		AssignedBy: actingUserID,
		AssignedAt: time.Now().UnixMilli(),
	}

	// A sole fallback assignment is replaced, insert before delete.
	if len(existing) == 1 {
		if fb, fbErr := m.fallbackRole(ctx); fbErr == nil && existing[0].RoleID == fb.ID && roleID != fb.ID {
			if err := m.store.SwapAssignments(ctx, []types.UserRoleAssignment{assignment}, []uint64{existing[0].ID}); err != nil {
				return fmt.Errorf("replace fallback assignment: %w", err)
			}
			m.auditAssigned(ctx, actingUserID, targetUserID, roleID)
			return nil
		}
	}

	if err := m.store.SaveAssignment(ctx, assignment); err != nil {
		return fmt.Errorf("save assignment: %w", err)
	}
	m.auditAssigned(ctx, actingUserID, targetUserID, roleID)
	return nil
}

// RemoveRole removes a role from the target user. Removing the last
// remaining role first inserts the fallback assignment and only then deletes
// the old one, so no zero-role window exists. Self-removal is permitted but
// audited.
func (m *Maintainer) RemoveRole(ctx context.Context, actingUserID, targetUserID, roleID uint64) error {
	assignments, err := m.store.AssignmentsForUser(ctx, targetUserID)
	if err != nil {
		return fmt.Errorf("load assignments for user %d: %w", targetUserID, err)
	}

	var held *types.UserRoleAssignment
	for i := range assignments {
		if assignments[i].RoleID == roleID {
			held = &assignments[i]
			break
		}
	}
	if held == nil {
		return fmt.Errorf("user %d, role %d: %w", targetUserID, roleID, ErrRoleNotHeld)
	}

	if actingUserID == targetUserID {
		m.logger.Info("self role-removal",
			slog.Uint64("user_id", actingUserID),
			slog.Uint64("role_id", roleID))
	}

	if len(assignments) == 1 {
		fb, err := m.fallbackRole(ctx)
		if err != nil {
			return fmt.Errorf("last-role removal for user %d: %w", targetUserID, err)
		}
		if roleID == fb.ID {
			return fmt.Errorf("fallback role cannot be removed as the last role: %w", ErrProtectedRole)
		}
		if err := m.reassignToFallback(ctx, actingUserID, targetUserID, fb.ID, held.ID); err != nil {
			return err
		}
	} else {
		if err := m.store.DeleteAssignment(ctx, held.ID); err != nil {
			return fmt.Errorf("delete assignment: %w", err)
		}
	}

	m.publish(ctx, events.Event{
		Type:      events.TypeRoleRemoved,
		ActorID:   actingUserID,
		SubjectID: targetUserID,
		Data:      map[string]interface{}{"role_id": roleID, "self": actingUserID == targetUserID},
	})
	return nil
}

// DeleteRole deletes a role entirely. Protected system roles refuse
// deletion. Every user holding only this role is reassigned to the fallback
// role with the same insert-before-delete ordering; workflow nodes targeting
// the role are cleared to unassigned so in-flight and historical structures
// stay intact.
func (m *Maintainer) DeleteRole(ctx context.Context, actingUserID, roleID uint64) error {
	role, err := m.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.Protected {
		return fmt.Errorf("role %d: %w", roleID, ErrProtectedRole)
	}

	holders, err := m.store.AssignmentsForRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("load assignments for role %d: %w", roleID, err)
	}

	var fb types.Role
	if len(holders) > 0 {
		fb, err = m.fallbackRole(ctx)
		if err != nil {
			return fmt.Errorf("delete role %d: %w", roleID, err)
		}
	}

	for _, held := range holders {
		all, err := m.store.AssignmentsForUser(ctx, held.UserID)
		if err != nil {
			return fmt.Errorf("load assignments for user %d: %w", held.UserID, err)
		}
		if len(all) == 1 {
			if err := m.reassignToFallback(ctx, actingUserID, held.UserID, fb.ID, held.ID); err != nil {
				return err
			}
		} else {
			if err := m.store.DeleteAssignment(ctx, held.ID); err != nil {
				return fmt.Errorf("delete assignment: %w", err)
			}
		}
	}

	if err := m.clearNodeTargets(ctx, roleID); err != nil {
		return err
	}

	if err := m.store.DeleteRole(ctx, roleID); err != nil {
		return fmt.Errorf("delete role: %w", err)
	}

	m.logger.Info("role deleted",
		slog.Uint64("actor_id", actingUserID),
		slog.Uint64("role_id", roleID),
		slog.Int("reassigned_holders", len(holders)))
	m.publish(ctx, events.Event{
		Type:      events.TypeRoleDeleted,
		ActorID:   actingUserID,
		SubjectID: roleID,
		Data:      map[string]interface{}{"holders": len(holders)},
	})
	return nil
}

// reassignToFallback swaps a user's sole assignment for a fallback
// assignment, insert first.
func (m *Maintainer) reassignToFallback(ctx context.Context, actingUserID, userID, fallbackRoleID, removeAssignmentID uint64) error {
	id, err := m.generate.NextID()
	if err != nil {
		return fmt.Errorf("generate assignment id: %w", err)
	}
	fbAssignment := types.UserRoleAssignment{
		ID:         id,
		UserID:     userID,
		RoleID:     fallbackRoleID,
		AssignedBy: actingUserID,
		AssignedAt: time.Now().UnixMilli(),
	}
	if err := m.store.SwapAssignments(ctx, []types.UserRoleAssignment{fbAssignment}, []uint64{removeAssignmentID}); err != nil {
		return fmt.Errorf("reassign user %d to fallback: %w", userID, err)
	}
	return nil
}

// clearNodeTargets sets every live template node targeting the role to
// unassigned. Instance snapshots are copies and keep their history.
func (m *Maintainer) clearNodeTargets(ctx context.Context, roleID uint64) error {
	templates, err := m.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	for _, t := range templates {
		changed := false
		for i := range t.Nodes {
			target := t.Nodes[i].Target
			if target.Kind == types.TargetRole && target.ID == roleID {
				t.Nodes[i].Target = types.Unassigned()
				changed = true
			}
		}
		if changed {
			if err := m.store.SaveTemplate(ctx, t); err != nil {
				return fmt.Errorf("clear node targets on template %d: %w", t.ID, err)
			}
		}
	}
	return nil
}

func (m *Maintainer) auditAssigned(ctx context.Context, actingUserID, targetUserID, roleID uint64) {
	m.logger.Info("role assigned",
		slog.Uint64("actor_id", actingUserID),
		slog.Uint64("target_id", targetUserID),
		slog.Uint64("role_id", roleID))
	m.publish(ctx, events.Event{
		Type:      events.TypeRoleAssigned,
		ActorID:   actingUserID,
		SubjectID: targetUserID,
		Data:      map[string]interface{}{"role_id": roleID},
	})
}

// publish is fire-and-forget; audit events never block or fail the mutation
// that produced them.
func (m *Maintainer) publish(ctx context.Context, event events.Event) {
	if m.bus == nil {
		return
	}
	go func() { _ = m.bus.Publish(ctx, event) }()
}

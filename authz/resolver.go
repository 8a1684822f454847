package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opsdeck/opsflow/types"
)

// RoleStore supplies the current roles of a user. A user unknown to the
// store yields an empty slice, not an error.
type RoleStore interface {
	RolesForUser(ctx context.Context, userID uint64) ([]types.Role, error)
}

// OwnershipProbe answers resource-ownership questions for context-aware
// permission checks.
type OwnershipProbe interface {
	IsAssignedToProject(ctx context.Context, userID, projectID uint64) (bool, error)
	ManagesAccount(ctx context.Context, userID, accountID uint64) (bool, error)
	ManagesDepartment(ctx context.Context, userID, departmentID uint64) (bool, error)
}

// ResourceContext carries the resource ids supplied with a permission check.
type ResourceContext map[ContextKey]uint64

// Resolver computes effective grants from a user's live role set.
type Resolver struct {
	catalog *Catalog
	roles   RoleStore
	probe   OwnershipProbe
	logger  *slog.Logger
}

// NewResolver wires a Resolver. probe may be nil when no context-aware
// checks will be made; logger may be nil.
func NewResolver(catalog *Catalog, roles RoleStore, probe OwnershipProbe, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{catalog: catalog, roles: roles, probe: probe, logger: logger}
}

// Resolve reports whether the user holds the permission, optionally scoped
// to a resource. A user is granted if any single role satisfies the check.
//
// Order of evaluation: superadmin roles grant everything; an override
// permission from the catalog grants unconditionally; a direct grant
// suffices on its own only when no resource context is supplied — when the
// caller names a resource for a context-aware permission, the base grant
// must be paired with a positive ownership probe. An empty role set denies
// and never errors.
func (r *Resolver) Resolve(ctx context.Context, userID uint64, perm types.Permission, rc ResourceContext) (bool, error) {
	roles, err := r.roles.RolesForUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load roles for user %d: %w", userID, err)
	}

	for _, role := range roles {
		if role.Superadmin {
			return true, nil
		}
	}

	binding, contextual := r.catalog.ContextBinding(perm)
	var resourceID uint64
	scoped := false
	if contextual && rc != nil {
		resourceID, scoped = rc[binding.Key]
	}

	base := false
	for _, role := range roles {
		if role.HasGrant(perm) {
			base = true
			break
		}
	}

	if base && !scoped {
		return true, nil
	}

	for _, wider := range r.catalog.ImpliedBy(perm) {
		for _, role := range roles {
			if role.HasGrant(wider) {
				return true, nil
			}
		}
	}

	if scoped && base {
		ok, err := r.checkOwnership(ctx, userID, binding.Probe, resourceID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}

	r.logger.Debug("permission denied",
		slog.Uint64("user_id", userID),
		slog.String("permission", string(perm)))
	return false, nil
}

func (r *Resolver) checkOwnership(ctx context.Context, userID uint64, probe ProbeKind, resourceID uint64) (bool, error) {
	if r.probe == nil {
		return false, nil
	}
	switch probe {
	case ProbeProject:
		return r.probe.IsAssignedToProject(ctx, userID, resourceID)
	case ProbeAccount:
		return r.probe.ManagesAccount(ctx, userID, resourceID)
	case ProbeDepartment:
		return r.probe.ManagesDepartment(ctx, userID, resourceID)
	default:
		return false, fmt.Errorf("unknown ownership probe %d", probe)
	}
}

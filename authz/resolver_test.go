package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsflow/types"
)

type stubRoleStore struct {
	roles map[uint64][]types.Role
}

func (s *stubRoleStore) RolesForUser(ctx context.Context, userID uint64) ([]types.Role, error) {
	return s.roles[userID], nil
}

type stubProbe struct {
	projects    map[uint64]uint64 // userID -> projectID
	accounts    map[uint64]uint64
	departments map[uint64]uint64
}

func (p *stubProbe) IsAssignedToProject(ctx context.Context, userID, projectID uint64) (bool, error) {
	return p.projects[userID] == projectID, nil
}

func (p *stubProbe) ManagesAccount(ctx context.Context, userID, accountID uint64) (bool, error) {
	return p.accounts[userID] == accountID, nil
}

func (p *stubProbe) ManagesDepartment(ctx context.Context, userID, departmentID uint64) (bool, error) {
	return p.departments[userID] == departmentID, nil
}

func granted(perms ...types.Permission) []types.PermissionGrant {
	grants := make([]types.PermissionGrant, 0, len(perms))
	for _, p := range perms {
		grants = append(grants, types.PermissionGrant{Permission: p, Granted: true})
	}
	return grants
}

func newTestResolver(roles map[uint64][]types.Role, probe OwnershipProbe) *Resolver {
	return NewResolver(NewCatalog(), &stubRoleStore{roles: roles}, probe, nil)
}

func TestResolveSuperadminBypassesEverything(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Name: "Administrator", Superadmin: true}},
	}, nil)

	for _, p := range []types.Permission{PermViewProjects, PermEditAccount, PermViewAllCapacity, "ANY_OTHER_PERMISSION"} {
		ok, err := r.Resolve(context.Background(), 1, p, nil)
		require.NoError(t, err)
		assert.True(t, ok, "superadmin must hold %s", p)
	}
}

func TestResolveDirectGrant(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: granted(PermViewProjects)}},
	}, nil)

	ok, err := r.Resolve(context.Background(), 1, PermViewProjects, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Resolve(context.Background(), 1, PermEditProject, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolveOverrideImpliesNarrower(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: granted(PermViewAllProjects)}},
	}, nil)

	ok, err := r.Resolve(context.Background(), 1, PermViewProjects, nil)
	require.NoError(t, err)
	assert.True(t, ok, "VIEW_ALL_PROJECTS implies VIEW_PROJECTS")

	ok, err = r.Resolve(context.Background(), 1, PermEditProject, nil)
	require.NoError(t, err)
	assert.False(t, ok, "VIEW_ALL_PROJECTS must not imply EDIT_PROJECT")
}

func TestResolveAccountOverrideImpliesViewAndEdit(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: granted(PermViewAllAccounts)}},
	}, nil)

	ok, err := r.Resolve(context.Background(), 1, PermViewAccounts, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Resolve(context.Background(), 1, PermEditAccount, nil)
	require.NoError(t, err)
	assert.True(t, ok, "VIEW_ALL_ACCOUNTS implies EDIT_ACCOUNT")
}

func TestResolveGrantedFalseNeverImplies(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: []types.PermissionGrant{
			{Permission: PermViewAllProjects, Granted: false},
		}}},
	}, nil)

	ok, err := r.Resolve(context.Background(), 1, PermViewProjects, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a granted=false entry must not imply through override")
}

func TestResolveAnyRoleSuffices(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{
		1: {
			{ID: 10, Grants: []types.PermissionGrant{{Permission: PermViewProjects, Granted: false}}},
			{ID: 11, Grants: granted(PermViewProjects)},
		},
	}, nil)

	ok, err := r.Resolve(context.Background(), 1, PermViewProjects, nil)
	require.NoError(t, err)
	assert.True(t, ok, "a true grant on any role wins")
}

func TestResolveEmptyRoleSetDenies(t *testing.T) {
	r := newTestResolver(map[uint64][]types.Role{}, nil)

	ok, err := r.Resolve(context.Background(), 42, PermViewProjects, nil)
	require.NoError(t, err, "empty role set must not error")
	assert.False(t, ok)
}

func TestResolveContextAwareBaseGrantNeedsOwnership(t *testing.T) {
	probe := &stubProbe{accounts: map[uint64]uint64{1: 500}}
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: granted(PermEditAccount)}},
		2: {{ID: 10, Grants: granted(PermEditAccount)}},
	}, probe)

	// User 1 manages account 500: base grant + ownership passes.
	ok, err := r.Resolve(context.Background(), 1, PermEditAccount, ResourceContext{CtxAccountID: 500})
	require.NoError(t, err)
	assert.True(t, ok)

	// User 2 holds the base grant but does not manage account 500.
	ok, err = r.Resolve(context.Background(), 2, PermEditAccount, ResourceContext{CtxAccountID: 500})
	require.NoError(t, err)
	assert.False(t, ok, "base grant alone must not pass a scoped check")

	// Without context, the base grant is a plain capability check.
	ok, err = r.Resolve(context.Background(), 2, PermEditAccount, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveContextAwareOverridePassesUnconditionally(t *testing.T) {
	probe := &stubProbe{accounts: map[uint64]uint64{}}
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: granted(PermViewAllAccounts)}},
	}, probe)

	ok, err := r.Resolve(context.Background(), 1, PermEditAccount, ResourceContext{CtxAccountID: 500})
	require.NoError(t, err)
	assert.True(t, ok, "override grant passes scoped checks without an ownership probe")
}

func TestResolveContextAwareProjectProbe(t *testing.T) {
	probe := &stubProbe{projects: map[uint64]uint64{1: 77}}
	r := newTestResolver(map[uint64][]types.Role{
		1: {{ID: 10, Grants: granted(PermEditProject)}},
	}, probe)

	ok, err := r.Resolve(context.Background(), 1, PermEditProject, ResourceContext{CtxProjectID: 77})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Resolve(context.Background(), 1, PermEditProject, ResourceContext{CtxProjectID: 78})
	require.NoError(t, err)
	assert.False(t, ok)
}

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/opsflow/types"
)

// redisStore connects to a local Redis or skips the test.
func redisStore(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(RedisOptions{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		IdleTimeout:  5 * time.Minute,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStorageRoles(t *testing.T) {
	store := redisStore(t)
	ctx := context.Background()

	role := types.Role{ID: 910001, Name: "Reviewer", Grants: []types.PermissionGrant{
		{Permission: "VIEW_PROJECTS", Granted: true},
	}}
	require.NoError(t, store.SaveRole(ctx, role))
	defer store.DeleteRole(ctx, role.ID)

	got, err := store.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, role, got)

	_, err = store.GetRole(ctx, 910999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorageSwapAssignments(t *testing.T) {
	store := redisStore(t)
	ctx := context.Background()

	old := types.UserRoleAssignment{ID: 920001, UserID: 9200, RoleID: 10}
	require.NoError(t, store.SaveAssignment(ctx, old))

	replacement := types.UserRoleAssignment{ID: 920002, UserID: 9200, RoleID: 20}
	require.NoError(t, store.SwapAssignments(ctx, []types.UserRoleAssignment{replacement}, []uint64{old.ID}))
	defer store.DeleteAssignment(ctx, replacement.ID)

	byUser, err := store.AssignmentsForUser(ctx, 9200)
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, uint64(20), byUser[0].RoleID)
}

func TestRedisStorageInstanceRoundTrip(t *testing.T) {
	store := redisStore(t)
	ctx := context.Background()

	tmpl := newTemplate(930001)
	inst := types.WorkflowInstance{
		ID:         930002,
		TemplateID: tmpl.ID,
		Snapshot:   tmpl.Snapshot(),
		Status:     types.InstanceActive,
		CreatedAt:  time.Now().UnixMilli(),
		UpdatedAt:  time.Now().UnixMilli(),
	}
	require.NoError(t, store.SaveInstance(ctx, inst))

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.Snapshot.TemplateName, got.Snapshot.TemplateName)
	assert.Len(t, got.Snapshot.Nodes, 3)

	step := types.ActiveStep{ID: 930003, InstanceID: inst.ID, NodeID: 1, Status: types.StepActive}
	step2 := types.ActiveStep{ID: 930004, InstanceID: inst.ID, NodeID: 2, Status: types.StepActive}
	inst.Status = types.InstanceCompleted
	step.Status = types.StepCompleted
	require.NoError(t, store.ApplyStepBatch(ctx, StepBatch{
		Instance: &inst,
		Complete: []types.ActiveStep{step},
		Create:   []types.ActiveStep{step2},
	}))

	steps, err := store.StepsForInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	// Cleanup
	client := store.client
	client.Del(ctx, "instance:930002", "step:930003", "step:930004")
}

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/opsdeck/opsflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface. A
// single mutex guards every table so batched writes are atomic with respect
// to readers.
type MemoryStorage struct {
	roles       map[uint64]types.Role
	assignments map[uint64]types.UserRoleAssignment
	templates   map[uint64]types.WorkflowTemplate
	instances   map[uint64]types.WorkflowInstance
	steps       map[uint64]types.ActiveStep
	mu          sync.RWMutex
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		roles:       make(map[uint64]types.Role),
		assignments: make(map[uint64]types.UserRoleAssignment),
		templates:   make(map[uint64]types.WorkflowTemplate),
		instances:   make(map[uint64]types.WorkflowInstance),
		steps:       make(map[uint64]types.ActiveStep),
	}
}

// getItem is a standalone generic helper for map lookups.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, entity string) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
		}
		return item, nil
	})
}

// putItem is a standalone generic helper for map writes.
func putItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, item T) error {
	return withContextError(ctx, func() error {
		mu.Lock()
		defer mu.Unlock()
		m[id] = item
		return nil
	})
}

// SaveRole stores a role.
func (s *MemoryStorage) SaveRole(ctx context.Context, role types.Role) error {
	return putItem(ctx, &s.mu, s.roles, role.ID, role)
}

// GetRole retrieves a role.
func (s *MemoryStorage) GetRole(ctx context.Context, id uint64) (types.Role, error) {
	return getItem(ctx, &s.mu, s.roles, id, "role")
}

// DeleteRole removes a role record.
func (s *MemoryStorage) DeleteRole(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.roles[id]; !ok {
			return fmt.Errorf("role %d: %w", id, ErrNotFound)
		}
		delete(s.roles, id)
		return nil
	})
}

// ListRoles returns all roles.
func (s *MemoryStorage) ListRoles(ctx context.Context) ([]types.Role, error) {
	return withContext(ctx, func() ([]types.Role, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		roles := make([]types.Role, 0, len(s.roles))
		for _, r := range s.roles {
			roles = append(roles, r)
		}
		return roles, nil
	})
}

// SaveAssignment stores an assignment.
func (s *MemoryStorage) SaveAssignment(ctx context.Context, a types.UserRoleAssignment) error {
	return putItem(ctx, &s.mu, s.assignments, a.ID, a)
}

// DeleteAssignment removes an assignment.
func (s *MemoryStorage) DeleteAssignment(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.assignments[id]; !ok {
			return fmt.Errorf("assignment %d: %w", id, ErrNotFound)
		}
		delete(s.assignments, id)
		return nil
	})
}

// AssignmentsForUser returns all assignments held by a user.
func (s *MemoryStorage) AssignmentsForUser(ctx context.Context, userID uint64) ([]types.UserRoleAssignment, error) {
	return s.filterAssignments(ctx, func(a types.UserRoleAssignment) bool { return a.UserID == userID })
}

// AssignmentsForRole returns all assignments referencing a role.
func (s *MemoryStorage) AssignmentsForRole(ctx context.Context, roleID uint64) ([]types.UserRoleAssignment, error) {
	return s.filterAssignments(ctx, func(a types.UserRoleAssignment) bool { return a.RoleID == roleID })
}

func (s *MemoryStorage) filterAssignments(ctx context.Context, keep func(types.UserRoleAssignment) bool) ([]types.UserRoleAssignment, error) {
	return withContext(ctx, func() ([]types.UserRoleAssignment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.UserRoleAssignment
		for _, a := range s.assignments {
			if keep(a) {
				out = append(out, a)
			}
		}
		return out, nil
	})
}

// SwapAssignments inserts add and deletes removeIDs under one lock, inserts
// first, so readers never observe the intermediate zero-role state.
func (s *MemoryStorage) SwapAssignments(ctx context.Context, add []types.UserRoleAssignment, removeIDs []uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range removeIDs {
			if _, ok := s.assignments[id]; !ok {
				return fmt.Errorf("assignment %d: %w", id, ErrNotFound)
			}
		}
		for _, a := range add {
			s.assignments[a.ID] = a
		}
		for _, id := range removeIDs {
			delete(s.assignments, id)
		}
		return nil
	})
}

// SaveTemplate stores a template.
func (s *MemoryStorage) SaveTemplate(ctx context.Context, t types.WorkflowTemplate) error {
	return putItem(ctx, &s.mu, s.templates, t.ID, t)
}

// GetTemplate retrieves a template.
func (s *MemoryStorage) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	return getItem(ctx, &s.mu, s.templates, id, "template")
}

// DeleteTemplate removes a template.
func (s *MemoryStorage) DeleteTemplate(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.templates[id]; !ok {
			return fmt.Errorf("template %d: %w", id, ErrNotFound)
		}
		delete(s.templates, id)
		return nil
	})
}

// ListTemplates returns all templates.
func (s *MemoryStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	return withContext(ctx, func() ([]types.WorkflowTemplate, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		templates := make([]types.WorkflowTemplate, 0, len(s.templates))
		for _, t := range s.templates {
			templates = append(templates, t)
		}
		return templates, nil
	})
}

// SaveInstance stores an instance.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return putItem(ctx, &s.mu, s.instances, inst.ID, inst)
}

// GetInstance retrieves an instance.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getItem(ctx, &s.mu, s.instances, id, "instance")
}

// ListActiveInstances returns instances with status "active".
func (s *MemoryStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if inst.Status == types.InstanceActive {
				out = append(out, inst)
			}
		}
		return out, nil
	})
}

// SaveStep stores a step.
func (s *MemoryStorage) SaveStep(ctx context.Context, st types.ActiveStep) error {
	return putItem(ctx, &s.mu, s.steps, st.ID, st)
}

// GetStep retrieves a step.
func (s *MemoryStorage) GetStep(ctx context.Context, id uint64) (types.ActiveStep, error) {
	return getItem(ctx, &s.mu, s.steps, id, "step")
}

// StepsForInstance returns all steps of an instance.
func (s *MemoryStorage) StepsForInstance(ctx context.Context, instanceID uint64) ([]types.ActiveStep, error) {
	return withContext(ctx, func() ([]types.ActiveStep, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ActiveStep
		for _, st := range s.steps {
			if st.InstanceID == instanceID {
				out = append(out, st)
			}
		}
		return out, nil
	})
}

// ApplyStepBatch applies an instance transition write set under one lock.
func (s *MemoryStorage) ApplyStepBatch(ctx context.Context, batch StepBatch) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if batch.Instance != nil {
			s.instances[batch.Instance.ID] = *batch.Instance
		}
		for _, st := range batch.Complete {
			s.steps[st.ID] = st
		}
		for _, st := range batch.Create {
			s.steps[st.ID] = st
		}
		return nil
	})
}

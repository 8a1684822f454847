package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opsdeck/opsflow/types"
)

const (
	rolePrefix       = "role:"
	assignmentPrefix = "assignment:"
	templatePrefix   = "template:"
	instancePrefix   = "instance:"
	stepPrefix       = "step:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Entities are stored as JSON under prefixed keys; batched writes go through
// a transactional pipeline.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage connects to Redis and verifies the connection.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

func (s *RedisStorage) saveJSON(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal %s%d: %w", prefix, id, err)
		}
		key := fmt.Sprintf("%s%d", prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

func getJSON[T any](ctx context.Context, client *redis.Client, prefix string, id uint64) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := fmt.Sprintf("%s%d", prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%s: %w", key, ErrNotFound)
		} else if err != nil {
			return zero, fmt.Errorf("get %s: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// scanJSON loads every entity stored under prefix.
func scanJSON[T any](ctx context.Context, client *redis.Client, prefix string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		keys, err := client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s keys: %w", prefix, err)
		}

		var out []T
		for _, key := range keys {
			data, err := client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			var item T
			if err := json.Unmarshal(data, &item); err != nil {
				return nil, fmt.Errorf("unmarshal %s: %w", key, err)
			}
			out = append(out, item)
		}
		return out, nil
	})
}

func (s *RedisStorage) deleteKey(ctx context.Context, prefix string, id uint64) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf("%s%d", prefix, id)
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return nil
	})
}

// SaveRole stores a role.
func (s *RedisStorage) SaveRole(ctx context.Context, role types.Role) error {
	return s.saveJSON(ctx, rolePrefix, role.ID, role)
}

// GetRole retrieves a role.
func (s *RedisStorage) GetRole(ctx context.Context, id uint64) (types.Role, error) {
	return getJSON[types.Role](ctx, s.client, rolePrefix, id)
}

// DeleteRole removes a role record.
func (s *RedisStorage) DeleteRole(ctx context.Context, id uint64) error {
	return s.deleteKey(ctx, rolePrefix, id)
}

// ListRoles returns all roles.
func (s *RedisStorage) ListRoles(ctx context.Context) ([]types.Role, error) {
	return scanJSON[types.Role](ctx, s.client, rolePrefix)
}

// SaveAssignment stores an assignment.
func (s *RedisStorage) SaveAssignment(ctx context.Context, a types.UserRoleAssignment) error {
	return s.saveJSON(ctx, assignmentPrefix, a.ID, a)
}

// DeleteAssignment removes an assignment.
func (s *RedisStorage) DeleteAssignment(ctx context.Context, id uint64) error {
	return s.deleteKey(ctx, assignmentPrefix, id)
}

// AssignmentsForUser returns all assignments held by a user.
func (s *RedisStorage) AssignmentsForUser(ctx context.Context, userID uint64) ([]types.UserRoleAssignment, error) {
	all, err := scanJSON[types.UserRoleAssignment](ctx, s.client, assignmentPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.UserRoleAssignment
	for _, a := range all {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

// AssignmentsForRole returns all assignments referencing a role.
func (s *RedisStorage) AssignmentsForRole(ctx context.Context, roleID uint64) ([]types.UserRoleAssignment, error) {
	all, err := scanJSON[types.UserRoleAssignment](ctx, s.client, assignmentPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.UserRoleAssignment
	for _, a := range all {
		if a.RoleID == roleID {
			out = append(out, a)
		}
	}
	return out, nil
}

// SwapAssignments applies inserts and deletes in one transactional pipeline,
// inserts queued first.
func (s *RedisStorage) SwapAssignments(ctx context.Context, add []types.UserRoleAssignment, removeIDs []uint64) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		for _, a := range add {
			data, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("marshal assignment %d: %w", a.ID, err)
			}
			pipe.Set(ctx, fmt.Sprintf("%s%d", assignmentPrefix, a.ID), data, 0)
		}
		for _, id := range removeIDs {
			pipe.Del(ctx, fmt.Sprintf("%s%d", assignmentPrefix, id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("swap assignments: %w", err)
		}
		return nil
	})
}

// SaveTemplate stores a template.
func (s *RedisStorage) SaveTemplate(ctx context.Context, t types.WorkflowTemplate) error {
	return s.saveJSON(ctx, templatePrefix, t.ID, t)
}

// GetTemplate retrieves a template.
func (s *RedisStorage) GetTemplate(ctx context.Context, id uint64) (types.WorkflowTemplate, error) {
	return getJSON[types.WorkflowTemplate](ctx, s.client, templatePrefix, id)
}

// DeleteTemplate removes a template.
func (s *RedisStorage) DeleteTemplate(ctx context.Context, id uint64) error {
	return s.deleteKey(ctx, templatePrefix, id)
}

// ListTemplates returns all templates.
func (s *RedisStorage) ListTemplates(ctx context.Context) ([]types.WorkflowTemplate, error) {
	return scanJSON[types.WorkflowTemplate](ctx, s.client, templatePrefix)
}

// SaveInstance stores an instance.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return s.saveJSON(ctx, instancePrefix, inst.ID, inst)
}

// GetInstance retrieves an instance.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getJSON[types.WorkflowInstance](ctx, s.client, instancePrefix, id)
}

// ListActiveInstances returns instances with status "active".
func (s *RedisStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	all, err := scanJSON[types.WorkflowInstance](ctx, s.client, instancePrefix)
	if err != nil {
		return nil, err
	}
	var out []types.WorkflowInstance
	for _, inst := range all {
		if inst.Status == types.InstanceActive {
			out = append(out, inst)
		}
	}
	return out, nil
}

// SaveStep stores a step.
func (s *RedisStorage) SaveStep(ctx context.Context, st types.ActiveStep) error {
	return s.saveJSON(ctx, stepPrefix, st.ID, st)
}

// GetStep retrieves a step.
func (s *RedisStorage) GetStep(ctx context.Context, id uint64) (types.ActiveStep, error) {
	return getJSON[types.ActiveStep](ctx, s.client, stepPrefix, id)
}

// StepsForInstance returns all steps of an instance.
func (s *RedisStorage) StepsForInstance(ctx context.Context, instanceID uint64) ([]types.ActiveStep, error) {
	all, err := scanJSON[types.ActiveStep](ctx, s.client, stepPrefix)
	if err != nil {
		return nil, err
	}
	var out []types.ActiveStep
	for _, st := range all {
		if st.InstanceID == instanceID {
			out = append(out, st)
		}
	}
	return out, nil
}

// ApplyStepBatch applies an instance transition write set in one
// transactional pipeline.
func (s *RedisStorage) ApplyStepBatch(ctx context.Context, batch StepBatch) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		if batch.Instance != nil {
			data, err := json.Marshal(batch.Instance)
			if err != nil {
				return fmt.Errorf("marshal instance %d: %w", batch.Instance.ID, err)
			}
			pipe.Set(ctx, fmt.Sprintf("%s%d", instancePrefix, batch.Instance.ID), data, 0)
		}
		for _, group := range [][]types.ActiveStep{batch.Complete, batch.Create} {
			for _, st := range group {
				data, err := json.Marshal(st)
				if err != nil {
					return fmt.Errorf("marshal step %d: %w", st.ID, err)
				}
				pipe.Set(ctx, fmt.Sprintf("%s%d", stepPrefix, st.ID), data, 0)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("apply step batch: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

package workflow

import (
	"context"
	"fmt"

	"github.com/opsdeck/opsflow/storage"
	"github.com/opsdeck/opsflow/types"
)

// PendingApproval is one actionable step from a user's point of view.
type PendingApproval struct {
	InstanceID uint64 `json:"instance_id"`
	StepID     uint64 `json:"step_id"`
	NodeLabel  string `json:"node_label"`
	ProjectID  uint64 `json:"project_id,omitempty"`
}

// Tracker reads the live set of active steps. An instance may hold zero, one,
// or many concurrently active steps; completing one never implicitly
// completes its siblings.
type Tracker struct {
	store      storage.Storage
	membership MembershipReader
}

// NewTracker wires a Tracker.
func NewTracker(store storage.Storage, membership MembershipReader) *Tracker {
	return &Tracker{store: store, membership: membership}
}

// ActiveSteps returns the currently open steps of an instance.
func (t *Tracker) ActiveSteps(ctx context.Context, instanceID uint64) ([]types.ActiveStep, error) {
	steps, err := t.store.StepsForInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load steps for instance %d: %w", instanceID, err)
	}
	var active []types.ActiveStep
	for _, s := range steps {
		if s.Status == StepActive {
			active = append(active, s)
		}
	}
	return active, nil
}

// ListPendingForUser returns, across every active instance, every active
// step whose node resolves to an eligible-approver set containing the user.
// Eligibility reads live role and department membership, so reassignments
// made after an instance started take immediate effect.
func (t *Tracker) ListPendingForUser(ctx context.Context, userID uint64) ([]PendingApproval, error) {
	instances, err := t.store.ListActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}

	var pending []PendingApproval
	for _, inst := range instances {
		steps, err := t.ActiveSteps(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range steps {
			node, ok := inst.Snapshot.Node(s.NodeID)
			if !ok {
				continue
			}
			eligible, err := t.isEligible(ctx, userID, s, node)
			if err != nil {
				return nil, err
			}
			if eligible {
				pending = append(pending, PendingApproval{
					InstanceID: inst.ID,
					StepID:     s.ID,
					NodeLabel:  node.Label,
					ProjectID:  inst.ProjectID,
				})
			}
		}
	}
	return pending, nil
}

// isEligible resolves the node target against live membership. The pinned
// AssignedUserID is a display hint, not an eligibility source: a member
// removed from the target role after the step was created loses the step, and
// a newly added member gains it.
func (t *Tracker) isEligible(ctx context.Context, userID uint64, step types.ActiveStep, node types.WorkflowNode) (bool, error) {
	var users []uint64
	var err error
	switch node.Target.Kind {
	case types.TargetRole:
		users, err = t.membership.UsersForRole(ctx, node.Target.ID)
	case types.TargetDepartment:
		users, err = t.membership.UsersForDepartment(ctx, node.Target.ID)
	default:
		// No live target to resolve against.
		return step.AssignedUserID != 0 && step.AssignedUserID == userID, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve eligibility for node %d: %w", node.ID, err)
	}
	for _, u := range users {
		if u == userID {
			return true, nil
		}
	}
	return false, nil
}

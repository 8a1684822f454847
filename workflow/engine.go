package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/opsdeck/opsflow/events"
	"github.com/opsdeck/opsflow/rules"
	"github.com/opsdeck/opsflow/storage"
	"github.com/opsdeck/opsflow/types"
)

var (
	// ErrTemplateInactive rejects starting an instance from an inactive
	// template.
	ErrTemplateInactive = errors.New("workflow template is not active")
	// ErrNotStartNode rejects a start node ID that is missing from the
	// template or is not of type start.
	ErrNotStartNode = errors.New("start node ID must reference a start node of the template")
	// ErrInstanceNotActive rejects acting on a completed or cancelled
	// instance.
	ErrInstanceNotActive = errors.New("workflow instance is not active")
	// ErrStepNotActive rejects advancing a step that is already completed.
	ErrStepNotActive = errors.New("step is not active")
	// ErrNodeNotFound indicates a step references a node missing from the
	// instance snapshot.
	ErrNodeNotFound = errors.New("node not found in snapshot")
)

// Engine starts, advances, and cancels workflow instances. Node types and
// positions are frozen in the instance snapshot at start time; eligible
// approvers are always resolved against live membership.
type Engine struct {
	store      storage.Storage
	evaluator  rules.Evaluator
	membership MembershipReader
	bus        *events.EventBus
	generate   generator.Generator
	logger     *slog.Logger
}

// NewEngine wires an Engine. The generator and membership reader are
// required; a nil store falls back to in-memory storage, a nil evaluator to
// the expr evaluator. bus and logger may be nil.
func NewEngine(store storage.Storage, generate generator.Generator, evaluator rules.Evaluator, membership MembershipReader, bus *events.EventBus, logger *slog.Logger) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if membership == nil {
		return nil, errors.New("membership reader is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		evaluator:  evaluator,
		membership: membership,
		bus:        bus,
		generate:   generate,
		logger:     logger,
	}, nil
}

// Activate validates a template and marks it active. Structural problems and
// member-less target roles are reported together in one ValidationError.
func (e *Engine) Activate(ctx context.Context, templateID uint64) error {
	tmpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	if err := ValidateTemplate(tmpl); err != nil {
		return err
	}
	if err := ValidateActivation(ctx, tmpl, e.membership); err != nil {
		return err
	}
	tmpl.Active = true
	if err := e.store.SaveTemplate(ctx, tmpl); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	e.logger.Info("template activated", slog.Uint64("template_id", templateID))
	return nil
}

// SaveTemplate validates and persists a template draft. Cycles are rejected
// here rather than bounded at execution time.
func (e *Engine) SaveTemplate(ctx context.Context, t types.WorkflowTemplate) error {
	if err := ValidateTemplate(t); err != nil {
		return err
	}
	return e.store.SaveTemplate(ctx, t)
}

// Start creates an instance of an active template. The template's current
// nodes, connections, and name are deep-copied into the instance snapshot;
// later template edits or deletion never alter the instance. One active step
// is opened at the start node.
func (e *Engine) Start(ctx context.Context, templateID, startNodeID, projectID, taskID uint64) (*types.WorkflowInstance, error) {
	tmpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Active {
		return nil, fmt.Errorf("template %d: %w", templateID, ErrTemplateInactive)
	}

	snapshot := tmpl.Snapshot()
	startNode, ok := snapshot.Node(startNodeID)
	if !ok || startNode.Type != NodeTypeStart {
		return nil, fmt.Errorf("template %d, node %d: %w", templateID, startNodeID, ErrNotStartNode)
	}

	instanceID, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate instance id: %w", err)
	}
	stepID, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate step id: %w", err)
	}

	now := time.Now().UnixMilli()
	inst := types.WorkflowInstance{
		ID:         instanceID,
		TemplateID: templateID,
		Snapshot:   snapshot,
		Status:     StatusActive,
		ProjectID:  projectID,
		TaskID:     taskID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	step := types.ActiveStep{
		ID:         stepID,
		InstanceID: instanceID,
		NodeID:     startNodeID,
		Status:     StepActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	batch := storage.StepBatch{Instance: &inst, Create: []types.ActiveStep{step}}
	if err := e.store.ApplyStepBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("persist new instance: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:       events.TypeStateChanged,
		InstanceID: inst.ID,
		Data:       map[string]interface{}{"status": inst.Status, "node_id": startNodeID},
	})
	return &inst, nil
}

// Advance completes an active step and opens the steps that follow it,
// routing through the instance snapshot. Conditional nodes evaluate the
// decision environment to pick their outgoing edge and never become steps
// themselves; a non-conditional node with several outgoing edges forks into
// parallel active steps.
//
// Join semantics: the instance completes as soon as the first branch reaches
// an end node; sibling active steps are closed at that moment, the same way
// Cancel closes them.
func (e *Engine) Advance(ctx context.Context, instanceID, stepID uint64, decision map[string]interface{}) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusActive {
		return fmt.Errorf("instance %d has status %q: %w", instanceID, inst.Status, ErrInstanceNotActive)
	}

	step, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.InstanceID != instanceID {
		return fmt.Errorf("step %d does not belong to instance %d: %w", stepID, instanceID, storage.ErrNotFound)
	}
	if step.Status != StepActive {
		return fmt.Errorf("step %d: %w", stepID, ErrStepNotActive)
	}

	node, ok := inst.Snapshot.Node(step.NodeID)
	if !ok {
		return fmt.Errorf("step %d, node %d: %w", stepID, step.NodeID, ErrNodeNotFound)
	}

	nextNodes, err := e.resolveNext(inst.Snapshot, node, decision)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	step.Status = StepCompleted
	step.UpdatedAt = now
	completed := []types.ActiveStep{step}

	reachedEnd := false
	var created []types.ActiveStep
	for _, next := range nextNodes {
		if next.Type == NodeTypeEnd {
			reachedEnd = true
			continue
		}
		id, err := e.generate.NextID()
		if err != nil {
			return fmt.Errorf("generate step id: %w", err)
		}
		assignee, err := e.resolveAssignee(ctx, next)
		if err != nil {
			return err
		}
		created = append(created, types.ActiveStep{
			ID:             id,
			InstanceID:     instanceID,
			NodeID:         next.ID,
			Status:         StepActive,
			AssignedUserID: assignee,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	inst.UpdatedAt = now
	if reachedEnd {
		inst.Status = StatusCompleted
		created = nil
		siblings, err := e.store.StepsForInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("load steps for instance %d: %w", instanceID, err)
		}
		for _, s := range siblings {
			if s.ID != step.ID && s.Status == StepActive {
				s.Status = StepCompleted
				s.UpdatedAt = now
				completed = append(completed, s)
			}
		}
	}

	batch := storage.StepBatch{Instance: &inst, Complete: completed, Create: created}
	if err := e.store.ApplyStepBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist advance: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:       events.TypeStepCompleted,
		InstanceID: instanceID,
		Data:       map[string]interface{}{"step_id": stepID, "node_id": node.ID},
	})
	for _, s := range created {
		e.publish(ctx, events.Event{
			Type:       events.TypeStepPending,
			InstanceID: instanceID,
			SubjectID:  s.AssignedUserID,
			Data:       map[string]interface{}{"step_id": s.ID, "node_id": s.NodeID},
		})
	}
	if reachedEnd {
		e.publish(ctx, events.Event{
			Type:       events.TypeStateChanged,
			InstanceID: instanceID,
			Data:       map[string]interface{}{"status": StatusCompleted},
		})
	}
	return nil
}

// Cancel moves an active instance to cancelled and closes all of its active
// steps without producing new ones. Terminal states are final.
func (e *Engine) Cancel(ctx context.Context, instanceID uint64) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusActive {
		return fmt.Errorf("instance %d has status %q: %w", instanceID, inst.Status, ErrInstanceNotActive)
	}

	steps, err := e.store.StepsForInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load steps for instance %d: %w", instanceID, err)
	}

	now := time.Now().UnixMilli()
	var completed []types.ActiveStep
	for _, s := range steps {
		if s.Status == StepActive {
			s.Status = StepCompleted
			s.UpdatedAt = now
			completed = append(completed, s)
		}
	}

	inst.Status = StatusCancelled
	inst.UpdatedAt = now
	batch := storage.StepBatch{Instance: &inst, Complete: completed}
	if err := e.store.ApplyStepBatch(ctx, batch); err != nil {
		return fmt.Errorf("persist cancel: %w", err)
	}

	e.publish(ctx, events.Event{
		Type:       events.TypeStateChanged,
		InstanceID: instanceID,
		Data:       map[string]interface{}{"status": StatusCancelled},
	})
	return nil
}

// GetInstance retrieves an instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// Timeline returns the snapshot-derived display order of an instance. It is
// stable across template edits and deletion.
func (e *Engine) Timeline(ctx context.Context, instanceID uint64) ([]types.WorkflowNode, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return OrderedSteps(inst.Snapshot.Nodes, inst.Snapshot.Connections), nil
}

// resolveNext returns the nodes that follow from in the snapshot.
// Conditional successors are routed through, not returned: their outgoing
// edges are evaluated against the decision environment and the first
// matching edge is taken. Routing is bounded at 2x|nodes| hops.
func (e *Engine) resolveNext(snapshot types.TemplateSnapshot, from types.WorkflowNode, decision map[string]interface{}) ([]types.WorkflowNode, error) {
	outgoing := func(id uint64) []types.WorkflowConnection {
		var out []types.WorkflowConnection
		for _, c := range snapshot.Connections {
			if c.FromNodeID == id {
				out = append(out, c)
			}
		}
		return out
	}

	limit := maxTraversalFactor * len(snapshot.Nodes)
	var resolved []types.WorkflowNode

	pending := make([]uint64, 0, 2)
	for _, c := range outgoing(from.ID) {
		pending = append(pending, c.ToNodeID)
	}

	for hops := 0; len(pending) > 0; hops++ {
		if hops > limit {
			return nil, fmt.Errorf("routing from node %d exceeded %d hops", from.ID, limit)
		}
		id := pending[0]
		pending = pending[1:]

		node, ok := snapshot.Node(id)
		if !ok {
			return nil, fmt.Errorf("node %d: %w", id, ErrNodeNotFound)
		}
		if node.Type != NodeTypeConditional {
			resolved = append(resolved, node)
			continue
		}

		// Routing-only node: evaluate its edges and take the first match.
		matched := false
		for _, c := range outgoing(node.ID) {
			take, err := e.evaluator.Evaluate(c.Condition, decision)
			if err != nil {
				return nil, fmt.Errorf("conditional node %d: %w", node.ID, err)
			}
			if take {
				pending = append(pending, c.ToNodeID)
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("conditional node %d matched no outgoing edge", node.ID)
		}
	}
	return resolved, nil
}

// resolveAssignee reads live membership for a node target. A single eligible
// user is pinned on the step as a display hint; eligibility itself is always
// resolved against live membership at listing time.
func (e *Engine) resolveAssignee(ctx context.Context, node types.WorkflowNode) (uint64, error) {
	var users []uint64
	var err error
	switch node.Target.Kind {
	case types.TargetRole:
		users, err = e.membership.UsersForRole(ctx, node.Target.ID)
	case types.TargetDepartment:
		users, err = e.membership.UsersForDepartment(ctx, node.Target.ID)
	case types.TargetNone:
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown node target kind %q", node.Target.Kind)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve assignee for node %d: %w", node.ID, err)
	}
	if len(users) == 1 {
		return users[0], nil
	}
	return 0, nil
}

// publish is fire-and-forget; events never block or fail the transition that
// produced them.
func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	go func() { _ = e.bus.Publish(ctx, event) }()
}

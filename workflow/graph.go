package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/opsdeck/opsflow/types"
)

// Node types and status constants.
const (
	NodeTypeStart       = "start"
	NodeTypeApproval    = "approval"
	NodeTypeRole        = "role"
	NodeTypeDepartment  = "department"
	NodeTypeForm        = "form"
	NodeTypeConditional = "conditional"
	NodeTypeEnd         = "end"

	// Instance statuses
	StatusActive    = types.InstanceActive
	StatusCompleted = types.InstanceCompleted
	StatusCancelled = types.InstanceCancelled

	// Step statuses
	StepActive    = types.StepActive
	StepCompleted = types.StepCompleted
)

// maxTraversalFactor bounds graph walks at maxTraversalFactor*len(nodes)
// iterations, a safety valve for graphs persisted before save-time cycle
// validation existed.
const maxTraversalFactor = 2

// Violation names one node (and role, where relevant) that fails validation.
type Violation struct {
	NodeID    uint64
	NodeLabel string
	RoleID    uint64
	Reason    string
}

// ValidationError carries every violation found, not just the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.NodeID != 0 {
			parts = append(parts, fmt.Sprintf("node %d (%s): %s", v.NodeID, v.NodeLabel, v.Reason))
		} else {
			parts = append(parts, v.Reason)
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// MembershipReader resolves live role and department membership. Eligible
// approvers are read here, never from a snapshot, so reassignments made
// after an instance starts take immediate effect on who may act next.
type MembershipReader interface {
	UsersForRole(ctx context.Context, roleID uint64) ([]uint64, error)
	UsersForDepartment(ctx context.Context, departmentID uint64) ([]uint64, error)
}

// ValidateTemplate checks a template's structure before it is saved:
// non-empty node set, unique node IDs, exactly one start node, connections
// referencing existing nodes, and no cycles.
func ValidateTemplate(t types.WorkflowTemplate) error {
	var verr ValidationError

	if len(t.Nodes) == 0 {
		verr.Violations = append(verr.Violations, Violation{Reason: "template has no nodes"})
		return &verr
	}

	ids := make(map[uint64]bool, len(t.Nodes))
	starts := 0
	for _, n := range t.Nodes {
		if n.ID == 0 {
			verr.Violations = append(verr.Violations, Violation{NodeLabel: n.Label, Reason: "node ID cannot be zero"})
			continue
		}
		if ids[n.ID] {
			verr.Violations = append(verr.Violations, Violation{NodeID: n.ID, NodeLabel: n.Label, Reason: "duplicate node ID"})
		}
		ids[n.ID] = true
		if n.Type == NodeTypeStart {
			starts++
		}
	}
	if starts == 0 {
		verr.Violations = append(verr.Violations, Violation{Reason: "template has no start node"})
	} else if starts > 1 {
		verr.Violations = append(verr.Violations, Violation{Reason: "template has more than one start node"})
	}

	for _, c := range t.Connections {
		if !ids[c.FromNodeID] {
			verr.Violations = append(verr.Violations, Violation{NodeID: c.FromNodeID, Reason: "connection source does not exist"})
		}
		if !ids[c.ToNodeID] {
			verr.Violations = append(verr.Violations, Violation{NodeID: c.ToNodeID, Reason: "connection target does not exist"})
		}
	}

	if len(verr.Violations) == 0 {
		for _, n := range cyclicNodes(t.Nodes, t.Connections) {
			verr.Violations = append(verr.Violations, Violation{NodeID: n, Reason: "node participates in a cycle"})
		}
	}

	if len(verr.Violations) > 0 {
		return &verr
	}
	return nil
}

// cyclicNodes returns the IDs of nodes on a back edge, found by a
// three-colour depth-first search.
func cyclicNodes(nodes []types.WorkflowNode, connections []types.WorkflowConnection) []uint64 {
	adj := make(map[uint64][]uint64, len(nodes))
	for _, c := range connections {
		adj[c.FromNodeID] = append(adj[c.FromNodeID], c.ToNodeID)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[uint64]int, len(nodes))
	var cyclic []uint64

	var visit func(id uint64)
	visit = func(id uint64) {
		colour[id] = grey
		for _, next := range adj[id] {
			switch colour[next] {
			case white:
				visit(next)
			case grey:
				cyclic = append(cyclic, next)
			}
		}
		colour[id] = black
	}

	for _, n := range nodes {
		if colour[n.ID] == white {
			visit(n.ID)
		}
	}
	return cyclic
}

// ValidateActivation checks that every role, approval, and department node
// whose target resolves to a role has at least one current member. All
// violating node/role pairs are reported together.
func ValidateActivation(ctx context.Context, t types.WorkflowTemplate, membership MembershipReader) error {
	var verr ValidationError

	if len(t.Nodes) == 0 {
		verr.Violations = append(verr.Violations, Violation{Reason: "template has no nodes"})
		return &verr
	}

	for _, n := range t.Nodes {
		switch n.Type {
		case NodeTypeRole, NodeTypeApproval, NodeTypeDepartment:
		default:
			continue
		}
		if n.Target.Kind != types.TargetRole {
			continue
		}
		users, err := membership.UsersForRole(ctx, n.Target.ID)
		if err != nil {
			return fmt.Errorf("resolve members of role %d: %w", n.Target.ID, err)
		}
		if len(users) == 0 {
			verr.Violations = append(verr.Violations, Violation{
				NodeID:    n.ID,
				NodeLabel: n.Label,
				RoleID:    n.Target.ID,
				Reason:    "target role has no assigned users",
			})
		}
	}

	if len(verr.Violations) > 0 {
		return &verr
	}
	return nil
}

// OrderedSteps derives the canonical display order of a graph: starting at
// the start node, follow the first outgoing connection repeatedly.
// Conditional nodes are traversed but never appended, they are routing-only.
// The walk stops at the first end node, at a node with no outgoing
// connection, or when a node is revisited, and is hard-bounded at
// 2x|nodes| iterations. The result is display order only; execution routes
// through Advance.
func OrderedSteps(nodes []types.WorkflowNode, connections []types.WorkflowConnection) []types.WorkflowNode {
	byID := make(map[uint64]types.WorkflowNode, len(nodes))
	var current types.WorkflowNode
	found := false
	for _, n := range nodes {
		byID[n.ID] = n
		if n.Type == NodeTypeStart && !found {
			current = n
			found = true
		}
	}
	if !found {
		return nil
	}

	firstOutgoing := func(from uint64) (uint64, bool) {
		for _, c := range connections {
			if c.FromNodeID == from {
				return c.ToNodeID, true
			}
		}
		return 0, false
	}

	var ordered []types.WorkflowNode
	visited := make(map[uint64]bool, len(nodes))
	limit := maxTraversalFactor * len(nodes)

	for i := 0; i < limit; i++ {
		if visited[current.ID] {
			break
		}
		visited[current.ID] = true

		if current.Type != NodeTypeConditional {
			ordered = append(ordered, current)
		}
		if current.Type == NodeTypeEnd {
			break
		}

		nextID, ok := firstOutgoing(current.ID)
		if !ok {
			break
		}
		next, ok := byID[nextID]
		if !ok {
			break
		}
		current = next
	}
	return ordered
}

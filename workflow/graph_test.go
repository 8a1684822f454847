package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opsdeck/opsflow/types"
)

// mockMembership is a fixed role/department membership table for testing.
type mockMembership struct {
	roles       map[uint64][]uint64
	departments map[uint64][]uint64
}

func (m *mockMembership) UsersForRole(ctx context.Context, roleID uint64) ([]uint64, error) {
	return m.roles[roleID], nil
}

func (m *mockMembership) UsersForDepartment(ctx context.Context, departmentID uint64) ([]uint64, error) {
	return m.departments[departmentID], nil
}

func TestValidateTemplateEmpty(t *testing.T) {
	err := ValidateTemplate(types.WorkflowTemplate{ID: 1, Name: "empty"})
	if err == nil {
		t.Fatal("expected error for empty template")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestValidateTemplateDuplicateAndMissingStart(t *testing.T) {
	tmpl := types.WorkflowTemplate{
		ID: 1,
		Nodes: []types.WorkflowNode{
			{ID: 1, Type: NodeTypeApproval},
			{ID: 1, Type: NodeTypeEnd},
		},
	}
	err := ValidateTemplate(tmpl)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// Both problems reported together.
	if len(verr.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %d: %v", len(verr.Violations), verr)
	}
}

func TestValidateTemplateDanglingConnection(t *testing.T) {
	tmpl := types.WorkflowTemplate{
		ID: 1,
		Nodes: []types.WorkflowNode{
			{ID: 1, Type: NodeTypeStart},
			{ID: 2, Type: NodeTypeEnd},
		},
		Connections: []types.WorkflowConnection{
			{FromNodeID: 1, ToNodeID: 99},
		},
	}
	err := ValidateTemplate(tmpl)
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected dangling connection error, got %v", err)
	}
}

func TestValidateTemplateRejectsCycle(t *testing.T) {
	tmpl := types.WorkflowTemplate{
		ID: 1,
		Nodes: []types.WorkflowNode{
			{ID: 1, Type: NodeTypeStart},
			{ID: 2, Type: NodeTypeApproval},
			{ID: 3, Type: NodeTypeApproval},
			{ID: 4, Type: NodeTypeEnd},
		},
		Connections: []types.WorkflowConnection{
			{FromNodeID: 1, ToNodeID: 2},
			{FromNodeID: 2, ToNodeID: 3},
			{FromNodeID: 3, ToNodeID: 2}, // cycle
		},
	}
	err := ValidateTemplate(tmpl)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestValidateTemplateAcceptsBranching(t *testing.T) {
	tmpl := types.WorkflowTemplate{
		ID: 1,
		Nodes: []types.WorkflowNode{
			{ID: 1, Type: NodeTypeStart},
			{ID: 2, Type: NodeTypeConditional},
			{ID: 3, Type: NodeTypeApproval},
			{ID: 4, Type: NodeTypeApproval},
			{ID: 5, Type: NodeTypeEnd},
		},
		Connections: []types.WorkflowConnection{
			{FromNodeID: 1, ToNodeID: 2},
			{FromNodeID: 2, ToNodeID: 3, Condition: `amount > 1000`},
			{FromNodeID: 2, ToNodeID: 4, Condition: `amount <= 1000`},
			{FromNodeID: 3, ToNodeID: 5},
			{FromNodeID: 4, ToNodeID: 5},
		},
	}
	if err := ValidateTemplate(tmpl); err != nil {
		t.Fatalf("expected valid template, got %v", err)
	}
}

func TestValidateActivationReportsAllViolations(t *testing.T) {
	tmpl := types.WorkflowTemplate{
		ID: 1,
		Nodes: []types.WorkflowNode{
			{ID: 1, Type: NodeTypeStart, Label: "Submitted"},
			{ID: 2, Type: NodeTypeApproval, Label: "Manager Review", Target: types.RoleTarget(10)},
			{ID: 3, Type: NodeTypeRole, Label: "Finance Review", Target: types.RoleTarget(11)},
			{ID: 4, Type: NodeTypeForm, Label: "Details", Target: types.RoleTarget(12)}, // form nodes are not checked
			{ID: 5, Type: NodeTypeEnd, Label: "Done"},
		},
	}
	membership := &mockMembership{roles: map[uint64][]uint64{}}

	err := ValidateActivation(context.Background(), tmpl, membership)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Violations) != 2 {
		t.Fatalf("expected both member-less roles reported, got %d: %v", len(verr.Violations), verr)
	}
	for _, v := range verr.Violations {
		if v.RoleID != 10 && v.RoleID != 11 {
			t.Errorf("unexpected role in violation: %d", v.RoleID)
		}
	}

	// After assigning members, activation validation passes.
	membership.roles[10] = []uint64{100}
	membership.roles[11] = []uint64{101}
	if err := ValidateActivation(context.Background(), tmpl, membership); err != nil {
		t.Fatalf("expected activation to pass after membership fix, got %v", err)
	}
}

func TestOrderedStepsSkipsConditionals(t *testing.T) {
	nodes := []types.WorkflowNode{
		{ID: 1, Type: NodeTypeStart, Label: "Submitted"},
		{ID: 2, Type: NodeTypeConditional, Label: "Routing"},
		{ID: 3, Type: NodeTypeApproval, Label: "Manager Review"},
		{ID: 4, Type: NodeTypeEnd, Label: "Done"},
	}
	connections := []types.WorkflowConnection{
		{FromNodeID: 1, ToNodeID: 2},
		{FromNodeID: 2, ToNodeID: 3, Condition: `approved == true`},
		{FromNodeID: 3, ToNodeID: 4},
	}

	ordered := OrderedSteps(nodes, connections)
	want := []uint64{1, 3, 4}
	if len(ordered) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(ordered))
	}
	for i, n := range ordered {
		if n.ID != want[i] {
			t.Errorf("step %d: expected node %d, got %d", i, want[i], n.ID)
		}
		if n.Type == NodeTypeConditional {
			t.Errorf("conditional node %d must not appear in ordered steps", n.ID)
		}
	}
}

func TestOrderedStepsStopsAtMissingOutgoing(t *testing.T) {
	nodes := []types.WorkflowNode{
		{ID: 1, Type: NodeTypeStart},
		{ID: 2, Type: NodeTypeApproval},
	}
	connections := []types.WorkflowConnection{
		{FromNodeID: 1, ToNodeID: 2},
	}

	ordered := OrderedSteps(nodes, connections)
	if len(ordered) != 2 {
		t.Fatalf("expected walk to stop after node without outgoing edge, got %d steps", len(ordered))
	}
}

func TestOrderedStepsCycleGuard(t *testing.T) {
	nodes := []types.WorkflowNode{
		{ID: 1, Type: NodeTypeStart},
		{ID: 2, Type: NodeTypeApproval},
		{ID: 3, Type: NodeTypeApproval},
	}
	connections := []types.WorkflowConnection{
		{FromNodeID: 1, ToNodeID: 2},
		{FromNodeID: 2, ToNodeID: 3},
		{FromNodeID: 3, ToNodeID: 2}, // malformed persisted graph
	}

	ordered := OrderedSteps(nodes, connections)
	// 1, 2, 3, then the revisit of 2 terminates the walk.
	if len(ordered) != 3 {
		t.Fatalf("expected cycle guard to stop the walk at 3 steps, got %d", len(ordered))
	}
}

func TestOrderedStepsNoStartNode(t *testing.T) {
	nodes := []types.WorkflowNode{{ID: 1, Type: NodeTypeApproval}}
	if got := OrderedSteps(nodes, nil); got != nil {
		t.Fatalf("expected nil for graph without start node, got %v", got)
	}
}

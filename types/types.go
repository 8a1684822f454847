package types

// Permission identifies an atomic capability checked before an action.
type Permission string

// PermissionGrant binds a permission to a role. Entries with Granted=false
// are inert: they never grant the permission and never imply a narrower one.
type PermissionGrant struct {
	Permission Permission `json:"permission"`
	Granted    bool       `json:"granted"`
}

// Role groups permission grants. Protected roles are system-provided and
// refuse deletion; the fallback role is protected.
type Role struct {
	ID         uint64            `json:"id"`
	Name       string            `json:"name"`
	Superadmin bool              `json:"superadmin"`
	Protected  bool              `json:"protected"`
	Grants     []PermissionGrant `json:"grants"`
}

// HasGrant reports whether the role carries a Granted=true entry for p.
func (r Role) HasGrant(p Permission) bool {
	for _, g := range r.Grants {
		if g.Permission == p && g.Granted {
			return true
		}
	}
	return false
}

// UserRoleAssignment links a user to a role. Every user holds at least one
// assignment at every observable point in time.
type UserRoleAssignment struct {
	ID         uint64 `json:"id"`
	UserID     uint64 `json:"user_id"`
	RoleID     uint64 `json:"role_id"`
	AssignedBy uint64 `json:"assigned_by"`
	AssignedAt int64  `json:"assigned_at"`
}

// TargetKind discriminates the NodeTarget variants.
type TargetKind string

const (
	TargetRole       TargetKind = "role"
	TargetDepartment TargetKind = "department"
	TargetNone       TargetKind = "unassigned"
)

// NodeTarget is the tagged assignee reference of a workflow node: a role, a
// department, or unassigned. Unassigned is a first-class state, reached for
// example when the referenced role is deleted.
type NodeTarget struct {
	Kind TargetKind `json:"kind"`
	ID   uint64     `json:"id,omitempty"`
}

// RoleTarget builds a role-assigned target.
func RoleTarget(id uint64) NodeTarget { return NodeTarget{Kind: TargetRole, ID: id} }

// DepartmentTarget builds a department-assigned target.
func DepartmentTarget(id uint64) NodeTarget { return NodeTarget{Kind: TargetDepartment, ID: id} }

// Unassigned builds a target with no assignee.
func Unassigned() NodeTarget { return NodeTarget{Kind: TargetNone} }

// WorkflowNode is a single vertex of a template graph.
type WorkflowNode struct {
	ID     uint64     `json:"id"`
	Type   string     `json:"type"` // "start", "approval", "role", "department", "form", "conditional", "end"
	Label  string     `json:"label"`
	Target NodeTarget `json:"target"`
}

// WorkflowConnection is a directed edge between two nodes. Condition holds
// the expression evaluated when the edge leaves a conditional node; edges of
// other node types leave it empty.
type WorkflowConnection struct {
	FromNodeID uint64 `json:"from_node_id"`
	ToNodeID   uint64 `json:"to_node_id"`
	Condition  string `json:"condition,omitempty"`
}

// WorkflowTemplate is the mutable, reusable definition of an approval graph.
type WorkflowTemplate struct {
	ID          uint64               `json:"id"`
	Name        string               `json:"name"`
	Active      bool                 `json:"active"`
	Nodes       []WorkflowNode       `json:"nodes"`
	Connections []WorkflowConnection `json:"connections"`
}

// Snapshot captures an immutable deep copy of the template structure. Edits
// to the template after the copy never reach the snapshot.
func (t WorkflowTemplate) Snapshot() TemplateSnapshot {
	nodes := make([]WorkflowNode, len(t.Nodes))
	copy(nodes, t.Nodes)
	conns := make([]WorkflowConnection, len(t.Connections))
	copy(conns, t.Connections)
	return TemplateSnapshot{
		TemplateName: t.Name,
		Nodes:        nodes,
		Connections:  conns,
	}
}

// TemplateSnapshot is the frozen template structure a running instance
// executes against.
type TemplateSnapshot struct {
	TemplateName string               `json:"template_name"`
	Nodes        []WorkflowNode       `json:"nodes"`
	Connections  []WorkflowConnection `json:"connections"`
}

// Node returns the snapshot node with the given ID.
func (s TemplateSnapshot) Node(id uint64) (WorkflowNode, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return WorkflowNode{}, false
}

// Workflow instance statuses.
const (
	InstanceActive    = "active"
	InstanceCompleted = "completed"
	InstanceCancelled = "cancelled"
)

// Step statuses.
const (
	StepActive    = "active"
	StepCompleted = "completed"
)

// WorkflowInstance is one execution of a template, bound to its snapshot.
type WorkflowInstance struct {
	ID         uint64           `json:"id"`
	TemplateID uint64           `json:"template_id"`
	Snapshot   TemplateSnapshot `json:"snapshot"`
	Status     string           `json:"status"` // InstanceActive, InstanceCompleted, InstanceCancelled
	ProjectID  uint64           `json:"project_id,omitempty"`
	TaskID     uint64           `json:"task_id,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// ActiveStep is one open or finished position within a running instance. An
// instance may hold several active steps at once when branches fork.
type ActiveStep struct {
	ID             uint64 `json:"id"`
	InstanceID     uint64 `json:"instance_id"`
	NodeID         uint64 `json:"node_id"`
	Status         string `json:"status"` // StepActive, StepCompleted
	AssignedUserID uint64 `json:"assigned_user_id,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

package authz

import "github.com/opsdeck/opsflow/types"

// Platform permissions.
const (
	PermViewProjects       types.Permission = "VIEW_PROJECTS"
	PermViewAllProjects    types.Permission = "VIEW_ALL_PROJECTS"
	PermEditProject        types.Permission = "EDIT_PROJECT"
	PermEditAllProjects    types.Permission = "EDIT_ALL_PROJECTS"
	PermViewAccounts       types.Permission = "VIEW_ACCOUNTS"
	PermViewAllAccounts    types.Permission = "VIEW_ALL_ACCOUNTS"
	PermEditAccount        types.Permission = "EDIT_ACCOUNT"
	PermViewDepartments    types.Permission = "VIEW_DEPARTMENTS"
	PermViewAllDepartments types.Permission = "VIEW_ALL_DEPARTMENTS"
	PermEditDepartment     types.Permission = "EDIT_DEPARTMENT"
	PermViewUpdates        types.Permission = "VIEW_UPDATES"
	PermViewAllUpdates     types.Permission = "VIEW_ALL_UPDATES"
	PermViewTeamCapacity   types.Permission = "VIEW_TEAM_CAPACITY"
	PermViewAllCapacity    types.Permission = "VIEW_ALL_CAPACITY"
)

// ContextKey names the resource id a context-aware permission reads from the
// supplied ResourceContext.
type ContextKey string

const (
	CtxProjectID    ContextKey = "projectId"
	CtxAccountID    ContextKey = "accountId"
	CtxDepartmentID ContextKey = "departmentId"
)

// ProbeKind selects which OwnershipProbe method answers a context check.
type ProbeKind int

const (
	ProbeProject ProbeKind = iota
	ProbeAccount
	ProbeDepartment
)

// ContextBinding describes the ownership check of a context-aware
// permission.
type ContextBinding struct {
	Key   ContextKey
	Probe ProbeKind
}

// Catalog is the static permission table, built once at startup: for each
// permission, the wider permissions whose grant implies it, plus the
// ownership-probe bindings of context-aware permissions.
type Catalog struct {
	impliedBy  map[types.Permission][]types.Permission
	contextual map[types.Permission]ContextBinding
}

// NewCatalog builds the catalog with the platform override families.
func NewCatalog() *Catalog {
	return &Catalog{
		impliedBy: map[types.Permission][]types.Permission{
			PermViewProjects:     {PermViewAllProjects},
			PermEditProject:      {PermEditAllProjects},
			PermViewAccounts:     {PermViewAllAccounts},
			PermEditAccount:      {PermViewAllAccounts},
			PermViewDepartments:  {PermViewAllDepartments},
			PermEditDepartment:   {PermViewAllDepartments},
			PermViewUpdates:      {PermViewAllUpdates},
			PermViewTeamCapacity: {PermViewAllCapacity},
		},
		contextual: map[types.Permission]ContextBinding{
			PermViewProjects:   {Key: CtxProjectID, Probe: ProbeProject},
			PermEditProject:    {Key: CtxProjectID, Probe: ProbeProject},
			PermEditAccount:    {Key: CtxAccountID, Probe: ProbeAccount},
			PermEditDepartment: {Key: CtxDepartmentID, Probe: ProbeDepartment},
		},
	}
}

// ImpliedBy returns the wider permissions whose grant implies p.
func (c *Catalog) ImpliedBy(p types.Permission) []types.Permission {
	return c.impliedBy[p]
}

// ContextBinding returns the ownership binding of p, if p is context-aware.
func (c *Catalog) ContextBinding(p types.Permission) (ContextBinding, bool) {
	b, ok := c.contextual[p]
	return b, ok
}

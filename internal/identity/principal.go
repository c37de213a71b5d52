package identity

import (
	"fmt"
	"strings"
)

// Role is the closed set of roles a Planfold user can hold. Roles are never
// trusted from client input; they are re-derived from the backing store on
// every authorization decision.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

var roleRank = map[Role]int{
	RoleUser:       1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// ParseRole normalizes a stored role string. Unknown values are an error,
// not a silent downgrade.
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleRank[role]; !ok {
		return "", fmt.Errorf("identity: unknown role %q", s)
	}
	return role, nil
}

// Satisfies reports whether the role meets or exceeds the requirement.
func (r Role) Satisfies(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// Capability tags, derived statically from the role.
const (
	CapWorkspaceRead   = "workspace.read"
	CapWorkspaceWrite  = "workspace.write"
	CapWorkspaceExport = "workspace.export"
	CapMembersManage   = "members.manage"
	CapAuditRead       = "audit.read"
	CapAuditExport     = "audit.export"
	CapSchemaMigrate   = "schema.migrate"
)

var roleCapabilities = map[Role][]string{
	RoleUser: {
		CapWorkspaceRead, CapWorkspaceWrite, CapWorkspaceExport,
	},
	RoleAdmin: {
		CapWorkspaceRead, CapWorkspaceWrite, CapWorkspaceExport,
		CapMembersManage, CapAuditRead,
	},
	RoleSuperAdmin: {
		CapWorkspaceRead, CapWorkspaceWrite, CapWorkspaceExport,
		CapMembersManage, CapAuditRead, CapAuditExport, CapSchemaMigrate,
	},
}

// Capabilities returns the static capability set for a role. The result is a
// copy; callers may not mutate the mapping.
func (r Role) Capabilities() []string {
	caps := roleCapabilities[r]
	out := make([]string, len(caps))
	copy(out, caps)
	return out
}

// Principal is the verified identity attached to a request.
type Principal struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Role         Role     `json:"role"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the principal carries the capability tag.
func (p Principal) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Valid reports whether the principal was actually resolved.
func (p Principal) Valid() bool {
	return p.ID != "" && p.Role != ""
}

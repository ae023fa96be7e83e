package model

// Role is the coarse access level carried in a token.
type Role string

const (
	RoleReader   Role = "reader"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission gates an individual operation or tool.
type Permission string

const (
	PermRunsRead      Permission = "runs:read"
	PermRunsWrite     Permission = "runs:write"
	PermDocumentsRead Permission = "documents:read"
	PermTreesWrite    Permission = "trees:write"
	PermSourcesTest   Permission = "sources:test"
)

var rolePermissions = map[Role][]Permission{
	RoleReader:   {PermRunsRead, PermDocumentsRead},
	RoleOperator: {PermRunsRead, PermDocumentsRead, PermRunsWrite, PermTreesWrite, PermSourcesTest},
	RoleAdmin:    {PermRunsRead, PermDocumentsRead, PermRunsWrite, PermTreesWrite, PermSourcesTest},
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// PermissionsFor returns the permissions granted to role. Unknown roles get none.
func PermissionsFor(role Role) PermissionSet {
	return NewPermissionSet(rolePermissions[role]...)
}

// Has reports whether p is in the set. The empty permission is always granted.
func (s PermissionSet) Has(p Permission) bool {
	if p == "" {
		return true
	}
	_, ok := s[p]
	return ok
}

// Package rbac maps the role claim issued by the identity provider to the
// internal role and the permissions that come with it.
//
// The table is fixed at compile time. Values that are not in the table are
// rejected; there is no fallback role.
package rbac

import (
	"fmt"
	"strings"

	"github.com/openkcm/auth-gateway/internal/serviceerr"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleReadWrite Role = "readwrite"
	RoleReadOnly  Role = "readonly"
)

// Permission is a bit set of operations a role may perform.
type Permission uint8

const (
	PermissionRead Permission = 1 << iota
	PermissionWrite
	PermissionAdmin
)

var roleTable = map[string]Role{
	string(RoleAdmin):     RoleAdmin,
	string(RoleReadWrite): RoleReadWrite,
	string(RoleReadOnly):  RoleReadOnly,
}

var rolePermissions = map[Role]Permission{
	RoleAdmin:     PermissionRead | PermissionWrite | PermissionAdmin,
	RoleReadWrite: PermissionRead | PermissionWrite,
	RoleReadOnly:  PermissionRead,
}

// MapRole returns the internal role for a role claim or an error wrapping
// serviceerr.ErrUnknownRole.
func MapRole(claim string) (Role, error) {
	role, ok := roleTable[claim]
	if !ok {
		return "", fmt.Errorf("%w: role claim %q", serviceerr.ErrUnknownRole, claim)
	}

	return role, nil
}

// Permissions returns the permission set of the role. Unknown roles have none.
func (r Role) Permissions() Permission {
	return rolePermissions[r]
}

// Valid reports whether r is a role of the table.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Allows reports whether the role grants every permission in p.
func (r Role) Allows(p Permission) bool {
	return p != 0 && r.Permissions()&p == p
}

func (p Permission) Has(other Permission) bool {
	return p&other == other
}

// Names returns the permission names, in a stable order.
func (p Permission) Names() []string {
	names := make([]string, 0, 3)
	if p.Has(PermissionRead) {
		names = append(names, "read")
	}
	if p.Has(PermissionWrite) {
		names = append(names, "write")
	}
	if p.Has(PermissionAdmin) {
		names = append(names, "admin")
	}

	return names
}

func (p Permission) String() string {
	return strings.Join(p.Names(), ",")
}

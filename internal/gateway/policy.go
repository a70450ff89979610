package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/openkcm/auth-gateway/internal/rbac"
	"github.com/openkcm/auth-gateway/internal/serviceerr"
	"github.com/openkcm/auth-gateway/internal/session"
)

// Policy decides which permission a proxied request needs.
type Policy struct {
	AdminPathPrefixes []string
}

// RequiredPermission returns admin for paths under an admin prefix, read
// for safe methods and write for everything else.
func (p Policy) RequiredPermission(method, path string) rbac.Permission {
	for _, prefix := range p.AdminPathPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return rbac.PermissionAdmin
		}
	}

	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return rbac.PermissionRead
	default:
		return rbac.PermissionWrite
	}
}

// Authorize returns serviceerr.ErrInsufficientRights unless the role of the
// session grants the permission the request needs.
func (p Policy) Authorize(sess session.Session, method, path string) error {
	required := p.RequiredPermission(method, path)
	if !sess.Role.Allows(required) {
		return fmt.Errorf("%w: role %s lacks %s", serviceerr.ErrInsufficientRights, sess.Role, required)
	}

	return nil
}

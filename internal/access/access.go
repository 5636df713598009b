// Package access implements the role hierarchy that gates mutations.
package access

import (
	"stockflow/internal/apperr"
	"stockflow/internal/models"
)

// ranks is the single source of truth for role ordering. Sales Staff shares
// the Viewer rank: it may record sales but not manage stock or orders.
var ranks = map[models.Role]int{
	models.RoleViewer:     1,
	models.RoleSalesStaff: 1,
	models.RoleManager:    2,
	models.RoleAdmin:      3,
}

// Rank returns the rank of a role, or 0 when it is unknown
func Rank(role models.Role) int {
	return ranks[role]
}

// Known reports whether the role is in the rank table
func Known(role models.Role) bool {
	_, ok := ranks[role]
	return ok
}

// Roles lists the known roles in ascending rank
func Roles() []models.Role {
	return []models.Role{models.RoleViewer, models.RoleSalesStaff, models.RoleManager, models.RoleAdmin}
}

// HasPermission reports whether current ranks at least as high as min.
// Unknown or empty roles never have permission, on either side.
func HasPermission(current, min models.Role) bool {
	rank, required := Rank(current), Rank(min)
	if rank == 0 || required == 0 {
		return false
	}
	return rank >= required
}

// Session is the authenticated caller of an operation
type Session struct {
	UserID      string      `json:"user_id"`
	Email       string      `json:"email"`
	DisplayName string      `json:"display_name,omitempty"`
	Role        models.Role `json:"role"`
}

// Require fails with apperr.ErrPermissionDenied unless the session holds at least min
func Require(s *Session, min models.Role) error {
	if s == nil {
		return apperr.PermissionDenied("not signed in")
	}
	if !HasPermission(s.Role, min) {
		return apperr.PermissionDenied("role %q is below %q", s.Role, min)
	}
	return nil
}

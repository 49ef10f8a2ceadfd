package middleware

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
)

const (
	PermMergeRun      = "merge.run"
	PermReviewView    = "review.view"
	PermReviewResolve = "review.resolve"
	PermAuditView     = "audit.view"
	PermAuditRollback = "audit.rollback"
)

// allPermissions is granted to the master key and to admins whose token
// carries no explicit permission list.
var allPermissions = []string{
	PermMergeRun,
	PermReviewView,
	PermReviewResolve,
	PermAuditView,
	PermAuditRollback,
}

func HasPermission(user *AppUser, permission string) bool {
	return user != nil && slices.Contains(user.Permissions, permission)
}

func HasAnyPermission(user *AppUser, permissions ...string) bool {
	return slices.ContainsFunc(permissions, func(p string) bool {
		return HasPermission(user, p)
	})
}

func IsAdmin(user *AppUser) bool {
	return user != nil && user.Role == "admin"
}

// RequirePermission rejects callers without permission.
func RequirePermission(permission string) echo.MiddlewareFunc {
	return guard("missing permission "+permission, func(u *AppUser) bool {
		return HasPermission(u, permission)
	})
}

// RequireAnyPermission admits callers holding at least one of permissions.
func RequireAnyPermission(permissions ...string) echo.MiddlewareFunc {
	return guard("missing required permission", func(u *AppUser) bool {
		return HasAnyPermission(u, permissions...)
	})
}

func guard(reason string, allowed func(*AppUser) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.(*AppContext).User
			if user == nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}
			if !allowed(user) {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Forbidden: " + reason})
			}
			return next(c)
		}
	}
}

package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AdminRole satisfies every role check.
const AdminRole = "admin"

// RequireRole admits callers holding any of roles. With no roles every
// authenticated caller is admitted.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	accepted := make(map[string]struct{}, len(roles)+1)
	for _, r := range roles {
		accepted[r] = struct{}{}
	}
	accepted[AdminRole] = struct{}{}
	denied := "caller lacks role " + strings.Join(roles, " or ")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if len(roles) == 0 {
			return next
		}
		return func(c echo.Context) error {
			for _, held := range RolesFromContext(c.Request().Context()) {
				if _, ok := accepted[held]; ok {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, denied)
		}
	}
}

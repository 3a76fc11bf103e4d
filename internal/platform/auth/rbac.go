package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Role is a claim granting access to identity endpoints.
type Role string

const (
	// RoleAdmin passes every role check.
	RoleAdmin Role = "admin"
	// RoleRegistrar enrolls patients and issues identifiers.
	RoleRegistrar Role = "registrar"
	// RoleCoordinator resolves identifiers of enrolled subjects.
	RoleCoordinator Role = "coordinator"
)

// HasRole reports whether granted satisfies any of allowed.
func HasRole(granted []string, allowed ...Role) bool {
	for _, g := range granted {
		if Role(g) == RoleAdmin {
			return true
		}
		for _, a := range allowed {
			if Role(g) == a {
				return true
			}
		}
	}
	return false
}

// RequireRole rejects requests whose token carries none of the given roles.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	denied := fmt.Sprintf("required role: %s", strings.Join(names, " or "))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(RolesFromContext(c.Request().Context()), roles...) {
				return echo.NewHTTPError(http.StatusForbidden, denied)
			}
			return next(c)
		}
	}
}

package middleware

import (
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/model"
)

// RequireRole lets the request through only when the attached identity has
// one of roles. It must run after Authenticate; without an identity the
// request is UNAUTHENTICATED rather than FORBIDDEN.
func RequireRole(roles ...string) echo.MiddlewareFunc {
    allowed := make(map[string]bool, len(roles))
    for _, r := range roles {
        allowed[r] = true
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            id, ok := CurrentIdentity(c)
            if !ok {
                return autherr.New(autherr.KindUnauthenticated, "")
            }
            if !allowed[id.Role] {
                return autherr.New(autherr.KindForbidden, "insufficient role")
            }
            return next(c)
        }
    }
}

// SelfOrAdmin lets admins through and otherwise requires the path parameter
// param to equal the caller's own user id.
func SelfOrAdmin(param string) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            id, ok := CurrentIdentity(c)
            if !ok {
                return autherr.New(autherr.KindUnauthenticated, "")
            }
            if id.Role == model.RoleAdmin {
                return next(c)
            }
            owner, err := strconv.ParseUint(c.Param(param), 10, 64)
            if err != nil || owner != id.ID {
                return autherr.New(autherr.KindForbidden, "not the owner of this resource")
            }
            return next(c)
        }
    }
}

package middleware

// identity.go stores the authenticated identity on the Echo context and reads
// it back for handlers and other middleware.

import (
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/model"
)

const identityKey = "identity"

// SetIdentity attaches id to the request context.
func SetIdentity(c echo.Context, id model.Identity) {
    c.Set(identityKey, id)
}

// CurrentIdentity returns the identity attached by Authenticate or
// OptionalAuth. ok is false for anonymous requests.
func CurrentIdentity(c echo.Context) (model.Identity, bool) {
    id, ok := c.Get(identityKey).(model.Identity)
    return id, ok
}

// userID returns the caller's id as a string, or "anon" when no identity is
// attached.
func userID(c echo.Context) string {
    if id, ok := CurrentIdentity(c); ok {
        return strconv.FormatUint(id.ID, 10)
    }
    return "anon"
}

package middleware // middleware provides the authentication, authorization and throttling layers

import (
    "context"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/model"
)

// Authenticator resolves a raw access token to an active identity.
// service.AuthService implements it.
type Authenticator interface {
    Authenticate(ctx context.Context, accessToken string) (model.Identity, error)
}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(c echo.Context) (string, error) {
    h := strings.TrimSpace(c.Request().Header.Get(echo.HeaderAuthorization))
    if h == "" {
        return "", autherr.New(autherr.KindUnauthenticated, "missing bearer token")
    }
    scheme, raw, ok := strings.Cut(h, " ")
    raw = strings.TrimSpace(raw)
    if !ok || !strings.EqualFold(scheme, "Bearer") || raw == "" {
        return "", autherr.New(autherr.KindUnauthenticated, "malformed authorization header")
    }
    return raw, nil
}

// Authenticate rejects requests without a valid access token of an active
// user. TOKEN_EXPIRED and TOKEN_INVALID keep their codes so the client can
// tell whether a refresh is worth trying.
func Authenticate(authn Authenticator) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            raw, err := BearerToken(c)
            if err != nil {
                return err
            }
            id, err := authn.Authenticate(c.Request().Context(), raw)
            if err != nil {
                return err
            }
            SetIdentity(c, id)
            return next(c)
        }
    }
}

// OptionalAuth attaches an identity when a valid token is present and
// otherwise lets the request through anonymously.
func OptionalAuth(authn Authenticator) echo.MiddlewareFunc {
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            if raw, err := BearerToken(c); err == nil {
                if id, err := authn.Authenticate(c.Request().Context(), raw); err == nil {
                    SetIdentity(c, id)
                }
            }
            return next(c)
        }
    }
}

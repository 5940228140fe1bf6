package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/backoffice-auth/internal/handler"
	"github.com/iliyamo/backoffice-auth/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication.  The
// health check pings db when it is non-nil.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterAuth registers the login, refresh, logout and registration
// endpoints.  None of them require a bearer token: verify-credentials and
// complete-login are the two phases of a login, refresh exchanges a refresh
// token, and logout is a no-op on the server because tokens are stateless.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler) {
	g := e.Group("/auth")
	g.POST("/verify-credentials", a.VerifyCredentials)
	g.POST("/complete-login", a.CompleteLogin)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)
	g.POST("/register", a.Register)
}

// RegisterPublic registers endpoints open to guests.  A bearer token is
// honoured when valid but never required.
func RegisterPublic(e *echo.Echo, c *handler.ContactHandler, authn middleware.Authenticator) {
	e.POST("/contact", c.Submit, middleware.OptionalAuth(authn))
}

// Deps bundles what Setup needs to mount every route.
type Deps struct {
	Auth     *handler.AuthHandler
	Users    *handler.UserHandler
	Contact  *handler.ContactHandler
	Authn    middleware.Authenticator
	Throttle echo.MiddlewareFunc // optional
	DB       handler.Pinger      // optional
}

// Setup mounts all route groups on e.
func Setup(e *echo.Echo, d Deps) {
	RegisterRoutes(e, d.DB)
	RegisterAuth(e, d.Auth)
	RegisterUsers(e, d.Users, d.Authn, d.Throttle)
	RegisterPublic(e, d.Contact, d.Authn)
}

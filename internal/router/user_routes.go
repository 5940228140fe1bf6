package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/backoffice-auth/internal/handler"
	"github.com/iliyamo/backoffice-auth/internal/middleware"
	"github.com/iliyamo/backoffice-auth/internal/model"
)

// RegisterUsers registers the protected /v1 endpoints.  Every route requires
// a valid access token; throttle, when non-nil, runs after authentication so
// the bucket can be keyed by user.
func RegisterUsers(e *echo.Echo, u *handler.UserHandler, authn middleware.Authenticator, throttle echo.MiddlewareFunc) {
	mws := []echo.MiddlewareFunc{middleware.Authenticate(authn)}
	if throttle != nil {
		mws = append(mws, throttle)
	}
	g := e.Group("/v1", mws...)

	g.GET("/me", u.Me)
	g.GET("/users/:id", u.GetUser, middleware.SelfOrAdmin("id"))
	g.GET("/dashboard", u.Dashboard, middleware.RequireRole(model.RoleStaff, model.RoleAdmin))

	// ---- Admin ----
	g.PATCH("/users/:id/active", u.SetActive, middleware.RequireRole(model.RoleAdmin))
}

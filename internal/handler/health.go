package handler // declare the package name; contains HTTP handlers

import (
    "context"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
    PingContext(ctx context.Context) error
}

// Health returns a health-check endpoint for load balancers and monitoring.
// It answers plain text "ok", or SERVICE_UNAVAILABLE when db is set and does
// not answer a ping within two seconds.
func Health(db Pinger) echo.HandlerFunc {
    return func(c echo.Context) error {
        if db != nil {
            ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
            defer cancel()
            if err := db.PingContext(ctx); err != nil {
                return autherr.Wrap(autherr.KindServiceUnavailable, err, "database unreachable")
            }
        }
        return c.String(http.StatusOK, "ok")
    }
}

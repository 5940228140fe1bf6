package handler

import (
    "context"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/middleware"
    "github.com/iliyamo/backoffice-auth/internal/model"
)

// UserHandler serves the protected /v1 endpoints.
type UserHandler struct {
    Auth AuthService
    Now  func() time.Time
}

func NewUserHandler(auth AuthService) *UserHandler {
    return &UserHandler{Auth: auth, Now: time.Now}
}

type dashboardResp struct {
    Success    bool           `json:"success"`
    User       model.Identity `json:"user"`
    ServerTime time.Time      `json:"serverTime"`
}

type setActiveReq struct {
    Active *bool `json:"active"`
}

// identity returns the caller or UNAUTHENTICATED when the route was mounted
// without Authenticate.
func identity(c echo.Context) (model.Identity, error) {
    id, ok := middleware.CurrentIdentity(c)
    if !ok {
        return model.Identity{}, autherr.New(autherr.KindUnauthenticated, "")
    }
    return id, nil
}

func pathID(c echo.Context, name string) (uint64, error) {
    n, err := strconv.ParseUint(c.Param(name), 10, 64)
    if err != nil || n == 0 {
        return 0, autherr.New(autherr.KindInvalidInput, "invalid "+name)
    }
    return n, nil
}

// Me returns the caller's profile.
func (h *UserHandler) Me(c echo.Context) error {
    id, err := identity(c)
    if err != nil {
        return err
    }
    return h.writeProfile(c, id.ID)
}

// GetUser returns a profile; routed behind SelfOrAdmin.
func (h *UserHandler) GetUser(c echo.Context) error {
    uid, err := pathID(c, "id")
    if err != nil {
        return err
    }
    return h.writeProfile(c, uid)
}

func (h *UserHandler) writeProfile(c echo.Context, uid uint64) error {
    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()
    p, err := h.Auth.Profile(ctx, uid)
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, userResp{Success: true, User: p})
}

// Dashboard is the staff landing endpoint; routed behind RequireRole.
func (h *UserHandler) Dashboard(c echo.Context) error {
    id, err := identity(c)
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, dashboardResp{Success: true, User: id, ServerTime: h.Now().UTC()})
}

// SetActive enables or disables an account; admin only.  An admin cannot
// disable their own account.
func (h *UserHandler) SetActive(c echo.Context) error {
    caller, err := identity(c)
    if err != nil {
        return err
    }
    uid, err := pathID(c, "id")
    if err != nil {
        return err
    }
    var req setActiveReq
    if err := bind(c, &req); err != nil {
        return err
    }
    if req.Active == nil {
        return autherr.New(autherr.KindMissingField, "active is required")
    }
    if uid == caller.ID && !*req.Active {
        return autherr.New(autherr.KindForbidden, "cannot disable your own account")
    }

    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()
    if err := h.Auth.SetActive(ctx, uid, *req.Active); err != nil {
        return err
    }
    return h.writeProfile(c, uid)
}

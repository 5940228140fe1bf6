package handler

import (
    "context"
    "net/http"
    "strings"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/model"
    "github.com/iliyamo/backoffice-auth/internal/service"
)

// AuthService is the part of service.AuthService the handlers use.
type AuthService interface {
    VerifyCredentials(ctx context.Context, in service.Credentials) (service.VerifiedIdentity, error)
    CompleteLogin(ctx context.Context, userID uint64) (service.LoginResult, error)
    Refresh(ctx context.Context, refreshToken string) (service.LoginResult, error)
    Register(ctx context.Context, email, password, department string) (model.Profile, error)
    Profile(ctx context.Context, id uint64) (model.Profile, error)
    SetActive(ctx context.Context, id uint64, active bool) error
}

// requestTimeout bounds directory work per request.
const requestTimeout = 5 * time.Second

// AuthHandler serves the /auth endpoints.
type AuthHandler struct {
    Auth AuthService
}

func NewAuthHandler(auth AuthService) *AuthHandler {
    return &AuthHandler{Auth: auth}
}

// ----- DTOs -----

type verifyReq struct {
    Email    string `json:"email"`
    Password string `json:"password"`
}

type verifyResp struct {
    Success    bool   `json:"success"`
    UserID     uint64 `json:"userId"`
    Department string `json:"department"`
}

type completeReq struct {
    UserID uint64 `json:"userId"`
}

type refreshReq struct {
    RefreshToken string `json:"refreshToken"`
}

type registerReq struct {
    Email      string `json:"email"`
    Password   string `json:"password"`
    Department string `json:"department"`
}

// SessionResp is returned by login completion and refresh.
type SessionResp struct {
    Success      bool          `json:"success"`
    User         model.Profile `json:"user"`
    AccessToken  string        `json:"accessToken"`
    RefreshToken string        `json:"refreshToken"`
    ExpiresIn    int64         `json:"expiresIn"`
}

type userResp struct {
    Success bool          `json:"success"`
    User    model.Profile `json:"user"`
}

func sessionResp(r service.LoginResult) SessionResp {
    return SessionResp{
        Success:      true,
        User:         r.User,
        AccessToken:  r.Tokens.AccessToken,
        RefreshToken: r.Tokens.RefreshToken,
        ExpiresIn:    r.Tokens.ExpiresIn,
    }
}

// VerifyCredentials is the first login phase.  It never returns tokens.
func (h *AuthHandler) VerifyCredentials(c echo.Context) error {
    var req verifyReq
    if err := bind(c, &req); err != nil {
        return err
    }
    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    vi, err := h.Auth.VerifyCredentials(ctx, service.Credentials{
        Email:    req.Email,
        Password: req.Password,
        IP:       c.RealIP(),
    })
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, verifyResp{Success: true, UserID: vi.UserID, Department: vi.Department})
}

// CompleteLogin is the second login phase: it mints the token pair.
func (h *AuthHandler) CompleteLogin(c echo.Context) error {
    var req completeReq
    if err := bind(c, &req); err != nil {
        return err
    }
    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    res, err := h.Auth.CompleteLogin(ctx, req.UserID)
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, sessionResp(res))
}

// Refresh rotates the token pair.
func (h *AuthHandler) Refresh(c echo.Context) error {
    var req refreshReq
    if err := bind(c, &req); err != nil {
        return err
    }
    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    res, err := h.Auth.Refresh(ctx, strings.TrimSpace(req.RefreshToken))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusOK, sessionResp(res))
}

// Logout always succeeds.  Tokens are stateless, so the server has nothing
// to revoke; the client discards its copies.
func (h *AuthHandler) Logout(c echo.Context) error {
    return c.NoContent(http.StatusNoContent)
}

// Register creates an account with the user role.
func (h *AuthHandler) Register(c echo.Context) error {
    var req registerReq
    if err := bind(c, &req); err != nil {
        return err
    }
    ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
    defer cancel()

    p, err := h.Auth.Register(ctx, req.Email, req.Password, strings.TrimSpace(req.Department))
    if err != nil {
        return err
    }
    return c.JSON(http.StatusCreated, userResp{Success: true, User: p})
}

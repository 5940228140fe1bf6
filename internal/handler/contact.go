package handler

import (
    "net/http"
    "net/mail"
    "strings"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/logging"
    "github.com/iliyamo/backoffice-auth/internal/middleware"
)

const maxContactMessage = 5000

// ContactHandler accepts public contact submissions.  Authentication is
// optional: a signed-in visitor's submission is tagged with their user id.
// Lead handling happens downstream of the log line.
type ContactHandler struct {
    Log logging.Logger
}

func NewContactHandler(log logging.Logger) *ContactHandler {
    if log == nil {
        log = logging.Nop()
    }
    return &ContactHandler{Log: log}
}

type contactReq struct {
    Name    string `json:"name"`
    Email   string `json:"email"`
    Message string `json:"message"`
}

type contactResp struct {
    Success       bool `json:"success"`
    Authenticated bool `json:"authenticated"`
}

func (h *ContactHandler) Submit(c echo.Context) error {
    var req contactReq
    if err := bind(c, &req); err != nil {
        return err
    }
    req.Name = strings.TrimSpace(req.Name)
    req.Email = strings.TrimSpace(req.Email)
    req.Message = strings.TrimSpace(req.Message)
    if req.Name == "" || req.Email == "" || req.Message == "" {
        return autherr.New(autherr.KindMissingField, "name, email and message are required")
    }
    if _, err := mail.ParseAddress(req.Email); err != nil {
        return autherr.New(autherr.KindInvalidInput, "invalid email")
    }
    if len(req.Message) > maxContactMessage {
        return autherr.New(autherr.KindInvalidInput, "message too long")
    }

    args := []any{"email", req.Email, "ip", c.RealIP()}
    id, authed := middleware.CurrentIdentity(c)
    if authed {
        args = append(args, "user_id", id.ID)
    }
    h.Log.Info(c.Request().Context(), "contact submission received", args...)

    return c.JSON(http.StatusAccepted, contactResp{Success: true, Authenticated: authed})
}

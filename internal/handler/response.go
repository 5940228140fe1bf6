package handler

import (
    "errors"
    "net/http"
    "strconv"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/logging"
)

// ErrorBody is the "error" member of a failure envelope.
type ErrorBody struct {
    Code       string `json:"code"`
    Message    string `json:"message"`
    RetryAfter int    `json:"retryAfter,omitempty"` // minutes, RATE_LIMITED only
    Detail     string `json:"detail,omitempty"`     // internal cause, dev only
}

// ErrorEnvelope is the body of every failed response.
type ErrorEnvelope struct {
    Success bool      `json:"success"`
    Error   ErrorBody `json:"error"`
}

// NewErrorHandler renders every error returned by handlers and middleware as
// an ErrorEnvelope.  Internal causes are logged and only exposed when dev is
// true.
func NewErrorHandler(dev bool, log logging.Logger) echo.HTTPErrorHandler {
    if log == nil {
        log = logging.Nop()
    }
    return func(err error, c echo.Context) {
        if c.Response().Committed {
            return
        }
        ae := toAuthErr(err)
        status := ae.Kind.HTTPStatus()
        ctx := c.Request().Context()

        body := ErrorBody{Code: string(ae.Kind), Message: ae.PublicMessage()}
        if ae.Kind == autherr.KindRateLimited {
            body.RetryAfter = ae.RetryAfterMinutes()
            if secs := int(ae.RetryAfter.Seconds()); secs > 0 {
                c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
            }
        }
        if status >= http.StatusInternalServerError {
            log.Error(ctx, "request failed", "path", c.Path(), "code", ae.Kind, "error", err)
            if dev && ae.Err != nil {
                body.Detail = ae.Err.Error()
            }
        }

        var werr error
        if c.Request().Method == http.MethodHead {
            werr = c.NoContent(status)
        } else {
            werr = c.JSON(status, ErrorEnvelope{Success: false, Error: body})
        }
        if werr != nil {
            log.Error(ctx, "write error response", "error", werr)
        }
    }
}

// toAuthErr maps echo's own errors (unknown route, bad method, bind failures)
// into the taxonomy; anything unrecognized becomes INTERNAL_ERROR.
func toAuthErr(err error) *autherr.Error {
    var he *echo.HTTPError
    if errors.As(err, &he) {
        msg, _ := he.Message.(string)
        switch he.Code {
        case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
            return autherr.Wrap(autherr.KindInvalidInput, err, "invalid request")
        case http.StatusUnauthorized:
            return autherr.New(autherr.KindUnauthenticated, "")
        case http.StatusForbidden:
            return autherr.New(autherr.KindForbidden, "")
        case http.StatusNotFound, http.StatusMethodNotAllowed:
            return autherr.New(autherr.KindNotFound, msg)
        case http.StatusTooManyRequests:
            return autherr.New(autherr.KindRateLimited, "")
        case http.StatusServiceUnavailable:
            return autherr.New(autherr.KindServiceUnavailable, "")
        }
        return autherr.Wrap(autherr.KindInternal, err, "")
    }
    return autherr.As(err)
}

// bind decodes the request body, turning decode failures into INVALID_INPUT.
func bind(c echo.Context, dst any) error {
    if err := c.Bind(dst); err != nil {
        return autherr.Wrap(autherr.KindInvalidInput, err, "invalid body")
    }
    return nil
}

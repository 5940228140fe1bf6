package handler

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
)

func render(t *testing.T, dev bool, method string, err error) (*httptest.ResponseRecorder, ErrorEnvelope) {
    t.Helper()
    e := echo.New()
    rec := httptest.NewRecorder()
    c := e.NewContext(httptest.NewRequest(method, "/x", nil), rec)
    NewErrorHandler(dev, nil)(err, c)

    var env ErrorEnvelope
    if rec.Body.Len() > 0 {
        require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
    }
    return rec, env
}

func TestErrorHandler_Taxonomy(t *testing.T) {
    rec, env := render(t, false, http.MethodGet, autherr.New(autherr.KindAccountDisabled, ""))
    assert.Equal(t, http.StatusUnauthorized, rec.Code)
    assert.False(t, env.Success)
    assert.Equal(t, "ACCOUNT_DISABLED", env.Error.Code)
    assert.Equal(t, "account disabled", env.Error.Message)

    rec, env = render(t, false, http.MethodGet, autherr.RateLimited(14*time.Minute+10*time.Second))
    assert.Equal(t, http.StatusTooManyRequests, rec.Code)
    assert.Equal(t, 15, env.Error.RetryAfter)
    assert.Equal(t, "850", rec.Header().Get("Retry-After"))
}

func TestErrorHandler_HidesInternals(t *testing.T) {
    cause := errors.New("dial tcp 10.0.0.3:3306: connection refused")

    rec, env := render(t, false, http.MethodGet, cause)
    assert.Equal(t, http.StatusInternalServerError, rec.Code)
    assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
    assert.Empty(t, env.Error.Detail)
    assert.NotContains(t, rec.Body.String(), "10.0.0.3")

    _, env = render(t, true, http.MethodGet, cause)
    assert.Contains(t, env.Error.Detail, "10.0.0.3")
}

func TestErrorHandler_EchoErrors(t *testing.T) {
    rec, env := render(t, false, http.MethodGet, echo.ErrNotFound)
    assert.Equal(t, http.StatusNotFound, rec.Code)
    assert.Equal(t, "NOT_FOUND", env.Error.Code)

    rec, env = render(t, false, http.MethodGet, echo.NewHTTPError(http.StatusBadRequest, "bad"))
    assert.Equal(t, http.StatusBadRequest, rec.Code)
    assert.Equal(t, "INVALID_INPUT", env.Error.Code)

    rec, _ = render(t, false, http.MethodHead, echo.ErrUnauthorized)
    assert.Equal(t, http.StatusUnauthorized, rec.Code)
    assert.Zero(t, rec.Body.Len())
}

type downDB struct{}

func (downDB) PingContext(context.Context) error { return errors.New("down") }

func TestHealth(t *testing.T) {
    e := echo.New()
    rec := httptest.NewRecorder()
    c := e.NewContext(httptest.NewRequest(http.MethodGet, "/healthz", nil), rec)
    require.NoError(t, Health(nil)(c))
    assert.Equal(t, "ok", rec.Body.String())

    c = e.NewContext(httptest.NewRequest(http.MethodGet, "/healthz", nil), httptest.NewRecorder())
    err := Health(downDB{})(c)
    assert.Equal(t, autherr.KindServiceUnavailable, autherr.KindOf(err))
}

// Package client is the session client of the back-office API: a thin JSON
// transport (API), persisted session storage, and the Manager that drives
// the two-phase login, token refresh and inactivity timeout.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/iliyamo/backoffice-auth/internal/autherr"
	"github.com/iliyamo/backoffice-auth/internal/model"
)

// VerifiedIdentity is the answer of the first login phase.
type VerifiedIdentity struct {
	UserID     uint64 `json:"userId"`
	Department string `json:"department"`
}

// SessionPayload is the answer of login completion and refresh.
type SessionPayload struct {
	User         model.Profile `json:"user"`
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	ExpiresIn    int64         `json:"expiresIn"`
}

type errorEnvelope struct {
	Success bool `json:"success"`
	Error   struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	} `json:"error"`
}

// API calls one base URL. Every failure is an *autherr.Error: transport
// problems become NETWORK_ERROR or TIMEOUT, server answers are decoded from
// the error envelope.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAPI returns an API with a per-request timeout.
func NewAPI(baseURL string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func (a *API) VerifyCredentials(ctx context.Context, email, password string) (VerifiedIdentity, error) {
	var out VerifiedIdentity
	err := a.Call(ctx, http.MethodPost, "/auth/verify-credentials", "",
		map[string]string{"email": email, "password": password}, &out)
	return out, err
}

func (a *API) CompleteLogin(ctx context.Context, userID uint64) (SessionPayload, error) {
	var out SessionPayload
	err := a.Call(ctx, http.MethodPost, "/auth/complete-login", "",
		map[string]uint64{"userId": userID}, &out)
	return out, err
}

func (a *API) Refresh(ctx context.Context, refreshToken string) (SessionPayload, error) {
	var out SessionPayload
	err := a.Call(ctx, http.MethodPost, "/auth/refresh", "",
		map[string]string{"refreshToken": refreshToken}, &out)
	return out, err
}

func (a *API) Logout(ctx context.Context, accessToken string) error {
	return a.Call(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

// Call sends in as JSON (when non-nil) and decodes a 2xx body into out (when
// non-nil). A non-empty token is sent as a bearer header.
func (a *API) Call(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return autherr.Wrap(autherr.KindInvalidInput, err, "encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, body)
	if err != nil {
		return autherr.Wrap(autherr.KindInternal, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return autherr.Wrap(autherr.KindInternal, err, "malformed response")
	}
	return nil
}

// transportError separates timeouts from other connectivity failures.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return autherr.Wrap(autherr.KindTimeout, err, "")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return autherr.Wrap(autherr.KindTimeout, err, "")
	}
	return autherr.Wrap(autherr.KindNetwork, err, "")
}

// decodeError rebuilds the server's *autherr.Error from the envelope, or
// derives a kind from the status when the body is not an envelope (a proxy
// error page, for instance).
func decodeError(status int, data []byte) error {
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error.Code != "" {
		e := autherr.New(autherr.Kind(env.Error.Code), env.Error.Message)
		if env.Error.RetryAfter > 0 {
			e.RetryAfter = time.Duration(env.Error.RetryAfter) * time.Minute
		}
		return e
	}
	msg := fmt.Sprintf("unexpected status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return autherr.New(autherr.KindRateLimited, "")
	case status == http.StatusUnauthorized:
		return autherr.New(autherr.KindUnauthenticated, "")
	case status == http.StatusForbidden:
		return autherr.New(autherr.KindAccessDenied, "")
	case status == http.StatusNotFound:
		return autherr.New(autherr.KindNotFound, msg)
	case status == http.StatusGatewayTimeout:
		return autherr.New(autherr.KindTimeout, msg)
	case status >= 500:
		return autherr.New(autherr.KindServiceUnavailable, msg)
	}
	return autherr.New(autherr.KindInternal, msg)
}

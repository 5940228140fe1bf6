package utils // package utils provides token issuing and password hashing helpers

import (
    "errors"
    "fmt"
    "strconv"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/google/uuid"

    "github.com/iliyamo/backoffice-auth/internal/autherr"
    "github.com/iliyamo/backoffice-auth/internal/model"
)

// Token kinds carried in the "typ" claim.
const (
    TokenTypeAccess  = "access"
    TokenTypeRefresh = "refresh"
)

// AccessClaims are the claims of a short-lived access token.
type AccessClaims struct {
    UserID     uint64 `json:"uid"`
    Email      string `json:"email"`
    Role       string `json:"role"`
    Department string `json:"dept,omitempty"`
    TokenType  string `json:"typ"`
    jwt.RegisteredClaims
}

// RefreshClaims are the claims of a long-lived refresh token.  They carry no
// role or email: the refresh flow reloads the user anyway.
type RefreshClaims struct {
    UserID    uint64 `json:"uid"`
    TokenType string `json:"typ"`
    jwt.RegisteredClaims
}

// AccessToken represents a signed access JWT along with its expiry.
type AccessToken struct {
    Token string
    Exp   time.Time
}

// RefreshToken represents a signed refresh JWT along with its expiry.
type RefreshToken struct {
    Token string
    Exp   time.Time
}

// TokenPair is what login completion and refresh hand to the client.
type TokenPair struct {
    AccessToken      string
    RefreshToken     string
    ExpiresIn        int64 // access lifetime in seconds
    AccessExpiresAt  time.Time
    RefreshExpiresAt time.Time
}

// TokenConfig configures a TokenIssuer.
type TokenConfig struct {
    AccessSecret  string
    RefreshSecret string
    AccessTTL     time.Duration
    RefreshTTL    time.Duration
    Issuer        string
    // Now overrides the clock; nil means time.Now.
    Now func() time.Time
}

// TokenIssuer mints and verifies HS256 access and refresh tokens.  It holds
// no mutable state and is safe for concurrent use.
type TokenIssuer struct {
    accessSecret  []byte
    refreshSecret []byte
    accessTTL     time.Duration
    refreshTTL    time.Duration
    issuer        string
    now           func() time.Time
}

// NewTokenIssuer validates cfg and returns an issuer.  The two secrets must be
// present and different, otherwise a refresh token would verify as an access
// token's signature.
func NewTokenIssuer(cfg TokenConfig) (*TokenIssuer, error) {
    if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
        return nil, errors.New("token issuer: access and refresh secrets are required")
    }
    if cfg.AccessSecret == cfg.RefreshSecret {
        return nil, errors.New("token issuer: access and refresh secrets must differ")
    }
    if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
        return nil, errors.New("token issuer: TTLs must be positive")
    }
    if cfg.RefreshTTL < cfg.AccessTTL {
        return nil, errors.New("token issuer: refresh TTL shorter than access TTL")
    }
    now := cfg.Now
    if now == nil {
        now = time.Now
    }
    return &TokenIssuer{
        accessSecret:  []byte(cfg.AccessSecret),
        refreshSecret: []byte(cfg.RefreshSecret),
        accessTTL:     cfg.AccessTTL,
        refreshTTL:    cfg.RefreshTTL,
        issuer:        cfg.Issuer,
        now:           now,
    }, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *TokenIssuer) AccessTTL() time.Duration { return i.accessTTL }

// JWT numeric dates have second precision, so the issue instant is truncated
// to keep the reported expiry equal to the encoded one.
func (i *TokenIssuer) issuedAt() time.Time {
    return i.now().UTC().Truncate(time.Second)
}

func (i *TokenIssuer) registered(userID uint64, iat, exp time.Time) jwt.RegisteredClaims {
    return jwt.RegisteredClaims{
        Subject:   strconv.FormatUint(userID, 10),
        Issuer:    i.issuer,
        IssuedAt:  jwt.NewNumericDate(iat),
        ExpiresAt: jwt.NewNumericDate(exp),
        ID:        uuid.NewString(),
    }
}

// IssueAccessToken signs an access token for u.
func (i *TokenIssuer) IssueAccessToken(u model.User) (AccessToken, error) {
    iat := i.issuedAt()
    exp := iat.Add(i.accessTTL)
    claims := AccessClaims{
        UserID:           u.ID,
        Email:            u.Email,
        Role:             u.Role,
        Department:       u.Department,
        TokenType:        TokenTypeAccess,
        RegisteredClaims: i.registered(u.ID, iat, exp),
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.accessSecret)
    if err != nil {
        return AccessToken{}, fmt.Errorf("sign access token: %w", err)
    }
    return AccessToken{Token: signed, Exp: exp}, nil
}

// IssueRefreshToken signs a refresh token for u.
func (i *TokenIssuer) IssueRefreshToken(u model.User) (RefreshToken, error) {
    iat := i.issuedAt()
    exp := iat.Add(i.refreshTTL)
    claims := RefreshClaims{
        UserID:           u.ID,
        TokenType:        TokenTypeRefresh,
        RegisteredClaims: i.registered(u.ID, iat, exp),
    }
    signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.refreshSecret)
    if err != nil {
        return RefreshToken{}, fmt.Errorf("sign refresh token: %w", err)
    }
    return RefreshToken{Token: signed, Exp: exp}, nil
}

// IssuePair mints a fresh access/refresh pair.
func (i *TokenIssuer) IssuePair(u model.User) (TokenPair, error) {
    access, err := i.IssueAccessToken(u)
    if err != nil {
        return TokenPair{}, err
    }
    refresh, err := i.IssueRefreshToken(u)
    if err != nil {
        return TokenPair{}, err
    }
    return TokenPair{
        AccessToken:      access.Token,
        RefreshToken:     refresh.Token,
        ExpiresIn:        int64(i.accessTTL / time.Second),
        AccessExpiresAt:  access.Exp,
        RefreshExpiresAt: refresh.Exp,
    }, nil
}

// VerifyAccess checks signature, type and expiry of an access token.
func (i *TokenIssuer) VerifyAccess(raw string) (*AccessClaims, error) {
    claims := &AccessClaims{}
    if err := i.parse(raw, claims, i.accessSecret); err != nil {
        return nil, err
    }
    if claims.TokenType != TokenTypeAccess {
        return nil, autherr.New(autherr.KindTokenInvalid, "not an access token")
    }
    if err := i.checkExpiry(claims.ExpiresAt); err != nil {
        return nil, err
    }
    return claims, nil
}

// VerifyRefresh checks signature, type and expiry of a refresh token.
func (i *TokenIssuer) VerifyRefresh(raw string) (*RefreshClaims, error) {
    claims := &RefreshClaims{}
    if err := i.parse(raw, claims, i.refreshSecret); err != nil {
        return nil, err
    }
    if claims.TokenType != TokenTypeRefresh {
        return nil, autherr.New(autherr.KindTokenInvalid, "not a refresh token")
    }
    if err := i.checkExpiry(claims.ExpiresAt); err != nil {
        return nil, err
    }
    return claims, nil
}

func (i *TokenIssuer) parse(raw string, claims jwt.Claims, secret []byte) error {
    if raw == "" {
        return autherr.New(autherr.KindTokenInvalid, "empty token")
    }
    opts := []jwt.ParserOption{
        jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
        jwt.WithTimeFunc(i.now),
        jwt.WithExpirationRequired(),
    }
    if i.issuer != "" {
        opts = append(opts, jwt.WithIssuer(i.issuer))
    }
    _, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
        if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
            return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
        }
        return secret, nil
    })
    if err == nil {
        return nil
    }
    if errors.Is(err, jwt.ErrTokenExpired) {
        return autherr.Wrap(autherr.KindTokenExpired, err, "")
    }
    return autherr.Wrap(autherr.KindTokenInvalid, err, "")
}

// checkExpiry treats the expiry instant itself as expired.
func (i *TokenIssuer) checkExpiry(exp *jwt.NumericDate) error {
    if exp == nil {
        return autherr.New(autherr.KindTokenInvalid, "missing exp")
    }
    if !i.now().Before(exp.Time) {
        return autherr.New(autherr.KindTokenExpired, "")
    }
    return nil
}

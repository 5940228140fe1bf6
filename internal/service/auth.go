// Package service holds the authentication core: credential verification,
// login completion, token refresh and bearer authentication. Handlers are
// thin adapters over AuthService; every error it returns is an
// *autherr.Error.
package service

import (
	"context"
	"errors"
	"net/mail"
	"time"

	"github.com/iliyamo/backoffice-auth/internal/autherr"
	"github.com/iliyamo/backoffice-auth/internal/logging"
	"github.com/iliyamo/backoffice-auth/internal/model"
	"github.com/iliyamo/backoffice-auth/internal/queue"
	"github.com/iliyamo/backoffice-auth/internal/ratelimit"
	"github.com/iliyamo/backoffice-auth/internal/repository"
	"github.com/iliyamo/backoffice-auth/internal/utils"
)

// MinPasswordLength applies to registration only; existing hashes are never
// re-validated.
const MinPasswordLength = 8

// Directory is the user lookup and update capability the core needs.
// repository.UserRepo implements it.
type Directory interface {
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	TouchLastLogin(ctx context.Context, id uint64, at time.Time) error
	Create(ctx context.Context, u repository.NewUser) (uint64, error)
	SetActive(ctx context.Context, id uint64, active bool) error
}

// Credentials is the input of the first login phase.
type Credentials struct {
	Email    string
	Password string
	IP       string
}

// VerifiedIdentity is the only thing a successful credential check reveals.
type VerifiedIdentity struct {
	UserID     uint64 `json:"userId"`
	Department string `json:"department"`
}

// LoginResult is returned by login completion and refresh.
type LoginResult struct {
	User   model.Profile
	Tokens utils.TokenPair
}

// Options carries the optional collaborators of AuthService.
type Options struct {
	// Limiter throttles failed credential checks per email; nil disables it.
	Limiter *ratelimit.Limiter
	Events  EventPublisher
	Logger  logging.Logger
	Now     func() time.Time
}

// AuthService implements the two-phase login, refresh and authentication.
// It is stateless apart from its collaborators and safe for concurrent use.
type AuthService struct {
	users   Directory
	hasher  utils.PasswordHasher
	tokens  *utils.TokenIssuer
	limiter *ratelimit.Limiter
	events  EventPublisher
	log     logging.Logger
	now     func() time.Time

	// dummyHash is compared against when the email is unknown so the
	// response time does not reveal whether the account exists.
	dummyHash string
}

func NewAuthService(users Directory, hasher utils.PasswordHasher, tokens *utils.TokenIssuer, opts Options) (*AuthService, error) {
	dummy, err := hasher.Hash("not-a-real-password")
	if err != nil {
		return nil, err
	}
	s := &AuthService{
		users:     users,
		hasher:    hasher,
		tokens:    tokens,
		limiter:   opts.Limiter,
		events:    opts.Events,
		log:       opts.Logger,
		now:       opts.Now,
		dummyHash: dummy,
	}
	if s.events == nil {
		s.events = NopPublisher{}
	}
	if s.log == nil {
		s.log = logging.Nop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// VerifyCredentials is the first login phase. It never issues tokens and has
// no session side effects. Unknown email and wrong password produce the same
// INVALID_CREDENTIALS error; a disabled account is reported as
// ACCOUNT_DISABLED.
func (s *AuthService) VerifyCredentials(ctx context.Context, in Credentials) (VerifiedIdentity, error) {
	email := repository.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return VerifiedIdentity{}, autherr.New(autherr.KindMissingField, "email and password are required")
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, email); err != nil {
			if autherr.KindOf(err) == autherr.KindRateLimited {
				s.emitFailure(ctx, email, in.IP, err)
				return VerifiedIdentity{}, err
			}
			s.log.Warn(ctx, "login limiter unavailable", "error", err)
		}
	}

	u, err := s.users.GetByEmail(ctx, email)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.hasher.Verify(s.dummyHash, in.Password)
		return VerifiedIdentity{}, s.fail(ctx, email, in.IP, autherr.New(autherr.KindInvalidCredentials, ""))
	case err != nil:
		return VerifiedIdentity{}, autherr.Wrap(autherr.KindInternal, err, "")
	}

	if !u.IsActive {
		return VerifiedIdentity{}, s.fail(ctx, email, in.IP, autherr.New(autherr.KindAccountDisabled, ""))
	}
	if !s.hasher.Verify(u.PasswordHash, in.Password) {
		return VerifiedIdentity{}, s.fail(ctx, email, in.IP, autherr.New(autherr.KindInvalidCredentials, ""))
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, email); err != nil {
			s.log.Warn(ctx, "login limiter reset failed", "error", err)
		}
	}

	ev := queue.NewAuthEvent(queue.EventLoginVerified, s.now())
	ev.UserID, ev.Email, ev.IP = u.ID, email, in.IP
	s.emit(ctx, ev)

	return VerifiedIdentity{UserID: u.ID, Department: u.Department}, nil
}

// fail records the failed attempt and returns err unchanged.
func (s *AuthService) fail(ctx context.Context, email, ip string, err *autherr.Error) error {
	if s.limiter != nil {
		if lerr := s.limiter.Fail(ctx, email); lerr != nil && autherr.KindOf(lerr) != autherr.KindRateLimited {
			s.log.Warn(ctx, "login limiter unavailable", "error", lerr)
		}
	}
	s.emitFailure(ctx, email, ip, err)
	return err
}

func (s *AuthService) emitFailure(ctx context.Context, email, ip string, err error) {
	ev := queue.NewAuthEvent(queue.EventLoginFailed, s.now())
	ev.Email, ev.IP, ev.Reason = email, ip, string(autherr.KindOf(err))
	s.emit(ctx, ev)
}

// CompleteLogin is the second login phase. It re-checks the account, mints a
// fresh token pair and stamps the last-login time. Calling it twice yields
// two independent, valid pairs.
func (s *AuthService) CompleteLogin(ctx context.Context, userID uint64) (LoginResult, error) {
	if userID == 0 {
		return LoginResult{}, autherr.New(autherr.KindInvalidInput, "userId is required")
	}
	u, err := s.users.GetByID(ctx, userID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return LoginResult{}, autherr.New(autherr.KindNotFound, "user not found")
	case err != nil:
		return LoginResult{}, autherr.Wrap(autherr.KindInternal, err, "")
	}
	if !u.IsActive {
		return LoginResult{}, autherr.New(autherr.KindAccountDisabled, "")
	}

	pair, err := s.tokens.IssuePair(u)
	if err != nil {
		return LoginResult{}, autherr.Wrap(autherr.KindInternal, err, "")
	}

	at := s.now().UTC()
	if err := s.users.TouchLastLogin(ctx, u.ID, at); err != nil {
		s.log.Warn(ctx, "stamp last login failed", "user_id", u.ID, "error", err)
	} else {
		u.LastLoginAt = &at
	}

	ev := queue.NewAuthEvent(queue.EventLoginCompleted, at)
	ev.UserID, ev.Email = u.ID, u.Email
	s.emit(ctx, ev)

	return LoginResult{User: u.Profile(), Tokens: pair}, nil
}

// Refresh exchanges a refresh token for a new pair. Old tokens stay valid
// until they expire.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (LoginResult, error) {
	if refreshToken == "" {
		return LoginResult{}, autherr.New(autherr.KindMissingField, "refreshToken is required")
	}
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return LoginResult{}, err
	}
	u, err := s.users.GetByID(ctx, claims.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return LoginResult{}, autherr.New(autherr.KindUnauthenticated, "")
	case err != nil:
		return LoginResult{}, autherr.Wrap(autherr.KindInternal, err, "")
	}
	if !u.IsActive {
		return LoginResult{}, autherr.New(autherr.KindAccountDisabled, "")
	}

	pair, err := s.tokens.IssuePair(u)
	if err != nil {
		return LoginResult{}, autherr.Wrap(autherr.KindInternal, err, "")
	}

	ev := queue.NewAuthEvent(queue.EventTokenRefreshed, s.now())
	ev.UserID = u.ID
	s.emit(ctx, ev)

	return LoginResult{User: u.Profile(), Tokens: pair}, nil
}

// Authenticate resolves a raw access token to the identity of an active
// user. Token errors keep their kind so the client can tell an expired token
// from a forged one; a missing or disabled user is UNAUTHENTICATED.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (model.Identity, error) {
	claims, err := s.tokens.VerifyAccess(accessToken)
	if err != nil {
		return model.Identity{}, err
	}
	u, err := s.users.GetByID(ctx, claims.UserID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.Identity{}, autherr.New(autherr.KindUnauthenticated, "")
	case err != nil:
		return model.Identity{}, autherr.Wrap(autherr.KindInternal, err, "")
	}
	if !u.IsActive {
		return model.Identity{}, autherr.New(autherr.KindUnauthenticated, "account disabled")
	}
	return u.Identity(), nil
}

// Register creates an active account with the user role.
func (s *AuthService) Register(ctx context.Context, email, password, department string) (model.Profile, error) {
	email = repository.NormalizeEmail(email)
	if email == "" || password == "" {
		return model.Profile{}, autherr.New(autherr.KindMissingField, "email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.Profile{}, autherr.New(autherr.KindInvalidInput, "invalid email")
	}
	if len(password) < MinPasswordLength {
		return model.Profile{}, autherr.New(autherr.KindInvalidInput, "password too short")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return model.Profile{}, autherr.Wrap(autherr.KindInternal, err, "")
	}
	id, err := s.users.Create(ctx, repository.NewUser{
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleUser,
		Department:   department,
	})
	switch {
	case errors.Is(err, repository.ErrEmailExists):
		return model.Profile{}, autherr.New(autherr.KindConflict, "email already registered")
	case err != nil:
		return model.Profile{}, autherr.Wrap(autherr.KindInternal, err, "")
	}
	return s.Profile(ctx, id)
}

// Profile returns the sanitized record of a user.
func (s *AuthService) Profile(ctx context.Context, id uint64) (model.Profile, error) {
	u, err := s.users.GetByID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return model.Profile{}, autherr.New(autherr.KindNotFound, "user not found")
	case err != nil:
		return model.Profile{}, autherr.Wrap(autherr.KindInternal, err, "")
	}
	return u.Profile(), nil
}

// SetActive enables or disables an account. Existing tokens of a disabled
// account stop working on their next use.
func (s *AuthService) SetActive(ctx context.Context, id uint64, active bool) error {
	err := s.users.SetActive(ctx, id, active)
	if errors.Is(err, repository.ErrNotFound) {
		// MySQL reports zero affected rows when the flag already had the value.
		_, err = s.Profile(ctx, id)
		return err
	}
	if err != nil {
		return autherr.Wrap(autherr.KindInternal, err, "")
	}
	return nil
}

func (s *AuthService) emit(ctx context.Context, ev queue.AuthEvent) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn(ctx, "publish auth event failed", "type", ev.Type, "error", err)
	}
}

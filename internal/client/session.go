package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iliyamo/backoffice-auth/internal/autherr"
	"github.com/iliyamo/backoffice-auth/internal/logging"
	"github.com/iliyamo/backoffice-auth/internal/model"
	"github.com/iliyamo/backoffice-auth/internal/ratelimit"
)

// State is the position of a Manager in the login lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateVerifying
	StateAwaitingCompletion
	StateAuthenticated
	StateRefreshing
)

var stateNames = [...]string{"anonymous", "verifying", "awaiting_completion", "authenticated", "refreshing"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Session is the client's record of a signed-in user.
type Session struct {
	User           model.Profile
	AccessToken    string
	RefreshToken   string
	SessionStartAt time.Time
	LastActiveAt   time.Time
}

// Options configures a Manager. Primary is required.
type Options struct {
	Primary *API
	// Fallback is tried once, without retries, when login completion fails
	// on Primary. Nil disables the fallback.
	Fallback *API
	Storage  Storage
	// Limiter counts login attempts; nil builds a 5 per 15 minutes limiter
	// persisted in Storage.
	Limiter *ratelimit.Limiter
	Scope   string
	Keys    Keys

	InactivityTimeout time.Duration
	HeartbeatInterval time.Duration
	Retries           uint64
	RetryBase         time.Duration

	Logger logging.Logger
	Now    func() time.Time
}

// Manager drives the client side of the session lifecycle. All state is
// guarded by mu; network calls run outside the lock and their results are
// committed only if the generation they started in is still current, so a
// logout or a newer login always wins over a late response.
type Manager struct {
	primary    *API
	fallback   *API
	storage    Storage
	limiter    *ratelimit.Limiter
	scope      string
	keys       Keys
	inactivity time.Duration
	heartbeat  time.Duration
	retries    uint64
	retryBase  time.Duration
	log        logging.Logger
	now        func() time.Time

	mu          sync.Mutex
	state       State
	gen         uint64
	verified    *VerifiedIdentity
	session     *Session
	refreshDone chan struct{} // non-nil while a refresh is in flight
}

var errSuperseded = autherr.New(autherr.KindConflict, "superseded by a newer session change")

func NewManager(opts Options) (*Manager, error) {
	if opts.Primary == nil {
		return nil, errors.New("client: primary API is required")
	}
	m := &Manager{
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		storage:    opts.Storage,
		limiter:    opts.Limiter,
		scope:      opts.Scope,
		keys:       opts.Keys.withDefaults(),
		inactivity: opts.InactivityTimeout,
		heartbeat:  opts.HeartbeatInterval,
		retries:    opts.Retries,
		retryBase:  opts.RetryBase,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if m.storage == nil {
		m.storage = NewMemoryStorage()
	}
	if m.scope == "" {
		m.scope = "default"
	}
	if m.inactivity <= 0 {
		m.inactivity = 30 * time.Minute
	}
	if m.heartbeat <= 0 {
		m.heartbeat = 5 * time.Minute
	}
	if m.retryBase <= 0 {
		m.retryBase = 200 * time.Millisecond
	}
	if m.log == nil {
		m.log = logging.Nop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.limiter == nil {
		m.limiter = ratelimit.New(NewStorageCounterStore(m.storage, m.now),
			ratelimit.Config{Prefix: "login_attempts"}).WithClock(m.now)
	}
	return m, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session when authenticated.
func (m *Manager) Session() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Login runs the first phase: it checks the local attempt limiter, records
// the attempt and verifies the credentials. On success the manager waits in
// StateAwaitingCompletion for CompleteLogin.
func (m *Manager) Login(ctx context.Context, email, password string) (VerifiedIdentity, error) {
	m.mu.Lock()
	if m.state != StateAnonymous && m.state != StateAwaitingCompletion {
		m.mu.Unlock()
		return VerifiedIdentity{}, autherr.New(autherr.KindConflict, "already signed in")
	}
	if err := m.limiter.Check(ctx, m.scope); err != nil {
		if autherr.KindOf(err) == autherr.KindRateLimited {
			m.mu.Unlock()
			return VerifiedIdentity{}, err
		}
		m.log.Warn(ctx, "login limiter unavailable", "error", err)
	}
	// The attempt counts while in flight; a completed login clears it.
	if err := m.limiter.Fail(ctx, m.scope); err != nil && autherr.KindOf(err) != autherr.KindRateLimited {
		m.log.Warn(ctx, "login limiter unavailable", "error", err)
	}
	m.gen++
	gen := m.gen
	m.state = StateVerifying
	m.verified = nil
	m.mu.Unlock()

	vi, err := m.primary.VerifyCredentials(ctx, email, password)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateVerifying {
		return VerifiedIdentity{}, errSuperseded
	}
	if err != nil {
		m.state = StateAnonymous
		return VerifiedIdentity{}, err
	}
	m.state = StateAwaitingCompletion
	m.verified = &vi
	return vi, nil
}

// CompleteLogin runs the second phase. userID 0 means the id returned by
// Login. The primary API is retried on transient failures; if it still
// fails, the fallback API is called once. When both fail the manager returns
// to StateAnonymous with a categorized error.
func (m *Manager) CompleteLogin(ctx context.Context, userID uint64) (Session, error) {
	m.mu.Lock()
	if m.state != StateAwaitingCompletion {
		m.mu.Unlock()
		return Session{}, autherr.New(autherr.KindUnauthenticated, "verify credentials first")
	}
	if userID == 0 {
		userID = m.verified.UserID
	}
	gen := m.gen
	m.mu.Unlock()

	payload, err := m.completeWithFallback(ctx, userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateAwaitingCompletion {
		return Session{}, errSuperseded
	}
	if err != nil {
		m.state = StateAnonymous
		m.verified = nil
		return Session{}, categorize(err)
	}

	now := m.now()
	s := &Session{
		User:           payload.User,
		AccessToken:    payload.AccessToken,
		RefreshToken:   payload.RefreshToken,
		SessionStartAt: now,
		LastActiveAt:   now,
	}
	if err := m.persistLocked(ctx, s); err != nil {
		m.log.Warn(ctx, "persist session failed", "error", err)
	}
	if err := m.limiter.Reset(ctx, m.scope); err != nil {
		m.log.Warn(ctx, "login limiter reset failed", "error", err)
	}
	m.session = s
	m.verified = nil
	m.state = StateAuthenticated
	m.log.Info(ctx, "signed in", "user_id", s.User.ID)
	return *s, nil
}

func (m *Manager) completeWithFallback(ctx context.Context, userID uint64) (SessionPayload, error) {
	var payload SessionPayload
	backoff := retry.WithMaxRetries(m.retries, retry.NewExponential(m.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		p, err := m.primary.CompleteLogin(ctx, userID)
		if err != nil {
			if transient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		payload = p
		return nil
	})
	if err == nil {
		return payload, nil
	}
	if ctx.Err() != nil {
		return SessionPayload{}, transportError(ctx, ctx.Err())
	}
	if m.fallback == nil {
		return SessionPayload{}, err
	}
	m.log.Warn(ctx, "login completion failed on primary; trying fallback", "error", err)
	return m.fallback.CompleteLogin(ctx, userID)
}

// transient reports failures worth retrying against the same server.
func transient(err error) bool {
	switch autherr.KindOf(err) {
	case autherr.KindNetwork, autherr.KindTimeout, autherr.KindServiceUnavailable:
		return true
	}
	return false
}

// categorize narrows a completion failure to the kinds a login form reports.
func categorize(err error) error {
	e := autherr.As(err)
	switch e.Kind {
	case autherr.KindRateLimited, autherr.KindNetwork, autherr.KindTimeout,
		autherr.KindServiceUnavailable, autherr.KindInvalidCredentials,
		autherr.KindAccessDenied, autherr.KindAccountDisabled:
		return e
	case autherr.KindTokenExpired, autherr.KindTokenInvalid, autherr.KindUnauthenticated:
		return autherr.Wrap(autherr.KindInvalidCredentials, e, "")
	case autherr.KindForbidden:
		return autherr.Wrap(autherr.KindAccessDenied, e, "")
	}
	return autherr.Wrap(autherr.KindInternal, e, "login could not be completed")
}

// Do performs an authenticated JSON call. An inactive session is ended
// locally without contacting the server. A TOKEN_EXPIRED answer triggers
// exactly one refresh and one replay; rejected tokens end the session.
func (m *Manager) Do(ctx context.Context, method, path string, in, out any) error {
	token, gen, err := m.activeToken(ctx)
	if err != nil {
		return err
	}
	err = m.primary.Call(ctx, method, path, token, in, out)
	if autherr.KindOf(err) == autherr.KindTokenExpired {
		token, err = m.refreshFor(ctx, gen, token)
		if err != nil {
			return err
		}
		err = m.primary.Call(ctx, method, path, token, in, out)
	}
	m.afterCall(ctx, gen, err)
	return err
}

// activeToken returns the access token of a live session, waiting for an
// in-flight refresh if needed.
func (m *Manager) activeToken(ctx context.Context) (string, uint64, error) {
	m.mu.Lock()
	for m.state == StateRefreshing {
		done := m.refreshDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", 0, transportError(ctx, ctx.Err())
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return "", 0, autherr.New(autherr.KindUnauthenticated, "")
	}
	if m.inactiveLocked() {
		m.endSessionLocked(ctx, "inactivity")
		return "", 0, autherr.New(autherr.KindUnauthenticated, "session expired due to inactivity")
	}
	return m.session.AccessToken, m.gen, nil
}

// afterCall records activity for calls the server answered and ends the
// session when the server rejected its credentials.
func (m *Manager) afterCall(ctx context.Context, gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateAuthenticated {
		return
	}
	switch autherr.KindOf(err) {
	case autherr.KindNetwork, autherr.KindTimeout:
		return
	case autherr.KindTokenInvalid, autherr.KindTokenExpired, autherr.KindUnauthenticated:
		m.endSessionLocked(ctx, "credentials rejected")
		return
	}
	m.touchLocked(ctx)
}

// refreshFor returns a fresh access token to replace used. If another
// goroutine already refreshed, its token is reused.
func (m *Manager) refreshFor(ctx context.Context, gen uint64, used string) (string, error) {
	m.mu.Lock()
	if m.gen == gen && m.state == StateAuthenticated && m.session.AccessToken != used {
		tok := m.session.AccessToken
		m.mu.Unlock()
		return tok, nil
	}
	m.mu.Unlock()

	if err := m.Refresh(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateAuthenticated {
		return "", autherr.New(autherr.KindUnauthenticated, "")
	}
	return m.session.AccessToken, nil
}

// Refresh exchanges the refresh token for a new pair. Transient failures
// keep the session; any rejection by the server ends it and discards the
// stored tokens.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	for m.state == StateRefreshing {
		done := m.refreshDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return transportError(ctx, ctx.Err())
		}
		m.mu.Lock()
		if m.state == StateAuthenticated {
			m.mu.Unlock()
			return nil
		}
	}
	if m.state != StateAuthenticated {
		m.mu.Unlock()
		return autherr.New(autherr.KindUnauthenticated, "")
	}
	if m.inactiveLocked() {
		m.endSessionLocked(ctx, "inactivity")
		m.mu.Unlock()
		return autherr.New(autherr.KindUnauthenticated, "session expired due to inactivity")
	}
	gen := m.gen
	refreshToken := m.session.RefreshToken
	done := make(chan struct{})
	m.refreshDone = done
	m.state = StateRefreshing
	m.mu.Unlock()

	payload, err := m.primary.Refresh(ctx, refreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	defer close(done)
	if m.refreshDone == done {
		m.refreshDone = nil
	}
	if m.gen != gen || m.state != StateRefreshing {
		return errSuperseded
	}
	if err != nil {
		if transient(err) || autherr.KindOf(err) == autherr.KindRateLimited {
			m.state = StateAuthenticated
			return err
		}
		m.endSessionLocked(ctx, "refresh rejected")
		return err
	}

	m.session.User = payload.User
	m.session.AccessToken = payload.AccessToken
	m.session.RefreshToken = payload.RefreshToken
	m.session.LastActiveAt = laterOf(m.session.LastActiveAt, m.now())
	if err := m.persistLocked(ctx, m.session); err != nil {
		m.log.Warn(ctx, "persist session failed", "error", err)
	}
	m.state = StateAuthenticated
	return nil
}

// Logout ends the session and clears all persisted state. It never fails;
// the server is notified on a best-effort basis.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	var token string
	if m.session != nil {
		token = m.session.AccessToken
	}
	m.endSessionLocked(ctx, "logout")
	m.mu.Unlock()

	if token != "" {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := m.primary.Logout(cctx, token); err != nil {
			m.log.Debug(ctx, "logout notification failed", "error", err)
		}
	}
}

// Touch records user activity, postponing the inactivity timeout.
func (m *Manager) Touch(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated && !m.inactiveLocked() {
		m.touchLocked(ctx)
	}
}

// CheckInactivity ends an inactive session. It reports whether a session
// was ended.
func (m *Manager) CheckInactivity(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated || !m.inactiveLocked() {
		return false
	}
	m.endSessionLocked(ctx, "inactivity")
	return true
}

// Run is the heartbeat: every interval it ends a session that has already
// gone inactive, and otherwise stamps and persists LastActiveAt. It returns
// when ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if m.beat(ctx) {
				m.log.Info(ctx, "session ended after inactivity")
			}
		}
	}
}

// beat runs one heartbeat tick. It reports whether the session was ended.
func (m *Manager) beat(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAuthenticated {
		return false
	}
	if m.inactiveLocked() {
		m.endSessionLocked(ctx, "inactivity")
		return true
	}
	m.touchLocked(ctx)
	return false
}

// Restore rebuilds an authenticated session from storage. It reports
// whether a live session was found; stale or partial state is cleared.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAuthenticated {
		return true, nil
	}
	if m.state != StateAnonymous {
		return false, autherr.New(autherr.KindConflict, "login in progress")
	}

	s, err := m.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	if s == nil {
		return false, nil
	}
	if m.now().Sub(s.LastActiveAt) > m.inactivity {
		m.endSessionLocked(ctx, "inactivity")
		return false, nil
	}
	m.gen++
	m.session = s
	m.state = StateAuthenticated
	return true, nil
}

func (m *Manager) inactiveLocked() bool {
	return m.session == nil || m.now().Sub(m.session.LastActiveAt) > m.inactivity
}

func (m *Manager) touchLocked(ctx context.Context) {
	m.session.LastActiveAt = laterOf(m.session.LastActiveAt, m.now())
	if err := m.storage.Set(ctx, m.keys.LastActiveAt, formatTime(m.session.LastActiveAt)); err != nil {
		m.log.Warn(ctx, "persist activity failed", "error", err)
	}
}

// endSessionLocked discards the session and bumps the generation so that any
// in-flight response is ignored.
func (m *Manager) endSessionLocked(ctx context.Context, reason string) {
	if m.session != nil {
		m.log.Info(ctx, "session ended", "reason", reason, "user_id", m.session.User.ID)
	}
	m.gen++
	m.state = StateAnonymous
	m.session = nil
	m.verified = nil
	if err := m.storage.Delete(ctx, m.keys.all()...); err != nil {
		m.log.Warn(ctx, "clear stored session failed", "error", err)
	}
}

func (m *Manager) persistLocked(ctx context.Context, s *Session) error {
	profile, err := encodeProfile(s.User)
	if err != nil {
		return err
	}
	entries := []struct {
		key   string
		value []byte
	}{
		{m.keys.Profile, profile},
		{m.keys.AccessToken, []byte(s.AccessToken)},
		{m.keys.RefreshToken, []byte(s.RefreshToken)},
		{m.keys.StartedAt, formatTime(s.SessionStartAt)},
		{m.keys.LastActiveAt, formatTime(s.LastActiveAt)},
	}
	var errs []error
	for _, e := range entries {
		if err := m.storage.Set(ctx, e.key, e.value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadLocked returns the stored session, or nil when nothing usable is
// stored. Partial or corrupt state is cleared.
func (m *Manager) loadLocked(ctx context.Context) (*Session, error) {
	values := make(map[string][]byte, 5)
	for _, k := range m.keys.all() {
		v, err := m.storage.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		values[k] = v
	}
	if values[m.keys.AccessToken] == nil && values[m.keys.RefreshToken] == nil && values[m.keys.Profile] == nil {
		return nil, nil
	}

	s, err := m.decodeSession(values)
	if err != nil {
		m.log.Warn(ctx, "discarding unreadable stored session", "error", err)
		m.endSessionLocked(ctx, "corrupt storage")
		return nil, nil
	}
	return s, nil
}

func (m *Manager) decodeSession(values map[string][]byte) (*Session, error) {
	access, refresh := values[m.keys.AccessToken], values[m.keys.RefreshToken]
	if len(access) == 0 || len(refresh) == 0 || values[m.keys.Profile] == nil {
		return nil, errors.New("incomplete session")
	}
	user, err := decodeProfile(values[m.keys.Profile])
	if err != nil {
		return nil, err
	}
	started, err := parseTime(values[m.keys.StartedAt])
	if err != nil {
		return nil, err
	}
	active, err := parseTime(values[m.keys.LastActiveAt])
	if err != nil {
		return nil, err
	}
	return &Session{
		User:           user,
		AccessToken:    string(access),
		RefreshToken:   string(refresh),
		SessionStartAt: started,
		LastActiveAt:   active,
	}, nil
}

func formatTime(t time.Time) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano))
}

func parseTime(b []byte) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, string(b))
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

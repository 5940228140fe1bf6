package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/backoffice-auth/internal/autherr"
	"github.com/iliyamo/backoffice-auth/internal/handler"
	"github.com/iliyamo/backoffice-auth/internal/model"
	"github.com/iliyamo/backoffice-auth/internal/ratelimit"
	"github.com/iliyamo/backoffice-auth/internal/repository"
	"github.com/iliyamo/backoffice-auth/internal/router"
	"github.com/iliyamo/backoffice-auth/internal/service"
	"github.com/iliyamo/backoffice-auth/internal/utils"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// backend is the real HTTP stack over an in-memory directory, sharing the
// test clock with the client.
type backend struct {
	clock *fakeClock
	e     *echo.Echo
	hits  sync.Map // path -> *atomic.Int64
}

func newBackend(t *testing.T, clock *fakeClock) *backend {
	t.Helper()
	dir := repository.NewMemoryUserRepo()
	hasher := utils.NewBcryptHasher(bcrypt.MinCost)
	h, err := hasher.Hash("pw")
	require.NoError(t, err)
	_, err = dir.Create(context.Background(), repository.NewUser{
		Email: "a@x.com", PasswordHash: h, Role: model.RoleStaff, Department: "ops",
	})
	require.NoError(t, err)

	tokens, err := utils.NewTokenIssuer(utils.TokenConfig{
		AccessSecret: "access", RefreshSecret: "refresh",
		AccessTTL: time.Hour, RefreshTTL: 7 * 24 * time.Hour, Now: clock.Now,
	})
	require.NoError(t, err)
	limiter := ratelimit.New(ratelimit.NewMemoryStore().WithClock(clock.Now), ratelimit.Config{}).WithClock(clock.Now)
	svc, err := service.NewAuthService(dir, hasher, tokens, service.Options{Limiter: limiter, Now: clock.Now})
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = handler.NewErrorHandler(false, nil)
	router.Setup(e, router.Deps{
		Auth:    handler.NewAuthHandler(svc),
		Users:   handler.NewUserHandler(svc),
		Contact: handler.NewContactHandler(nil),
		Authn:   svc,
	})
	return &backend{clock: clock, e: e}
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v, _ := b.hits.LoadOrStore(r.URL.Path, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
	b.e.ServeHTTP(w, r)
}

func (b *backend) count(path string) int64 {
	v, ok := b.hits.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func (b *backend) total() int64 {
	var n int64
	b.hits.Range(func(_, v any) bool {
		n += v.(*atomic.Int64).Load()
		return true
	})
	return n
}

type fixture struct {
	clock   *fakeClock
	backend *backend
	server  *httptest.Server
	storage *MemoryStorage
	m       *Manager
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{clock: &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}, storage: NewMemoryStorage()}
	f.backend = newBackend(t, f.clock)
	f.server = httptest.NewServer(f.backend)
	t.Cleanup(f.server.Close)

	opts := Options{
		Primary:   NewAPI(f.server.URL, 2*time.Second),
		Storage:   f.storage,
		Scope:     "test",
		RetryBase: time.Millisecond,
		Now:       f.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	f.m = m
	return f
}

func (f *fixture) signIn(t *testing.T) Session {
	t.Helper()
	ctx := context.Background()
	_, err := f.m.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	s, err := f.m.CompleteLogin(ctx, 0)
	require.NoError(t, err)
	return s
}

func TestManager_TwoPhaseLogin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.Equal(t, StateAnonymous, f.m.State())
	vi, err := f.m.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, VerifiedIdentity{UserID: 1, Department: "ops"}, vi)
	assert.Equal(t, StateAwaitingCompletion, f.m.State())
	assert.Zero(t, f.backend.count("/auth/complete-login"))

	s, err := f.m.CompleteLogin(ctx, vi.UserID)
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, f.m.State())
	assert.Equal(t, "a@x.com", s.User.Email)
	assert.NotEmpty(t, s.AccessToken)
	assert.NotEmpty(t, s.RefreshToken)
	assert.Equal(t, f.clock.Now(), s.SessionStartAt)

	stored, err := f.storage.Get(ctx, DefaultKeys.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, s.AccessToken, string(stored))
	profile, err := f.storage.Get(ctx, DefaultKeys.Profile)
	require.NoError(t, err)
	assert.NotContains(t, string(profile), "a@x.com")

	var me struct {
		User model.Identity `json:"user"`
	}
	require.NoError(t, f.m.Do(ctx, http.MethodGet, "/v1/me", nil, &me))
	assert.Equal(t, uint64(1), me.User.ID)
}

func TestManager_LoginWrongPasswordReturnsToAnonymous(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.m.Login(context.Background(), "a@x.com", "nope")
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)
	assert.Equal(t, StateAnonymous, f.m.State())

	_, err = f.m.CompleteLogin(context.Background(), 1)
	assert.ErrorIs(t, err, autherr.ErrUnauthenticated)
}

func TestManager_LocalLoginRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.m.Login(ctx, "a@x.com", "wrong")
		require.ErrorIs(t, err, autherr.ErrInvalidCredentials, "attempt %d", i+1)
	}
	_, err := f.m.Login(ctx, "a@x.com", "pw")
	require.ErrorIs(t, err, autherr.ErrRateLimited)
	assert.Equal(t, 15, autherr.As(err).RetryAfterMinutes())
	assert.Equal(t, int64(5), f.backend.count("/auth/verify-credentials"))

	f.clock.Advance(15*time.Minute + time.Second)
	_, err = f.m.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	_, err = f.m.CompleteLogin(ctx, 0)
	require.NoError(t, err)

	// A completed login clears the counter.
	c, err := NewStorageCounterStore(f.storage, f.clock.Now).Peek(ctx, "login_attempts:test")
	require.NoError(t, err)
	assert.Zero(t, c.Count)
}

func TestManager_FallbackAfterPrimaryTimeout(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	upstream := newBackend(t, clock)

	var primaryCompletions atomic.Int64
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/complete-login" {
			primaryCompletions.Add(1)
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		upstream.ServeHTTP(w, r)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(upstream)
	defer fallback.Close()

	m, err := NewManager(Options{
		Primary:   NewAPI(primary.URL, 50*time.Millisecond),
		Fallback:  NewAPI(fallback.URL, 2*time.Second),
		Retries:   1,
		RetryBase: time.Millisecond,
		Now:       clock.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = m.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	s, err := m.CompleteLogin(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", s.User.Email)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, int64(2), primaryCompletions.Load())
}

func TestManager_CompletionFailureIsCategorized(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	upstream := newBackend(t, clock)
	down := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/complete-login" {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		upstream.ServeHTTP(w, r)
	}
	primary := httptest.NewServer(http.HandlerFunc(down))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(down))
	defer fallback.Close()

	m, err := NewManager(Options{
		Primary:   NewAPI(primary.URL, time.Second),
		Fallback:  NewAPI(fallback.URL, time.Second),
		RetryBase: time.Millisecond,
		Now:       clock.Now,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = m.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	_, err = m.CompleteLogin(ctx, 0)
	assert.ErrorIs(t, err, autherr.ErrServiceUnavailable)
	assert.Equal(t, StateAnonymous, m.State())
}

func TestCategorize(t *testing.T) {
	cases := map[autherr.Kind]autherr.Kind{
		autherr.KindRateLimited:        autherr.KindRateLimited,
		autherr.KindNetwork:            autherr.KindNetwork,
		autherr.KindTimeout:            autherr.KindTimeout,
		autherr.KindServiceUnavailable: autherr.KindServiceUnavailable,
		autherr.KindTokenInvalid:       autherr.KindInvalidCredentials,
		autherr.KindUnauthenticated:    autherr.KindInvalidCredentials,
		autherr.KindForbidden:          autherr.KindAccessDenied,
		autherr.KindAccountDisabled:    autherr.KindAccountDisabled,
		autherr.KindNotFound:           autherr.KindInternal,
		autherr.KindInvalidInput:       autherr.KindInternal,
	}
	for in, want := range cases {
		assert.Equal(t, want, autherr.KindOf(categorize(autherr.New(in, ""))), string(in))
	}
}

func TestManager_RefreshOnExpiredAccessToken(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InactivityTimeout = 30 * 24 * time.Hour })
	ctx := context.Background()
	before := f.signIn(t)

	f.clock.Advance(2 * time.Hour)
	require.NoError(t, f.m.Do(ctx, http.MethodGet, "/v1/me", nil, nil))

	after, ok := f.m.Session()
	require.True(t, ok)
	assert.NotEqual(t, before.AccessToken, after.AccessToken)
	assert.Equal(t, int64(1), f.backend.count("/auth/refresh"))
	assert.Equal(t, int64(2), f.backend.count("/v1/me"))
	assert.Equal(t, f.clock.Now(), after.LastActiveAt)
}

func TestManager_ConcurrentCallsShareOneRefresh(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InactivityTimeout = 30 * 24 * time.Hour })
	ctx := context.Background()
	f.signIn(t)
	f.clock.Advance(2 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.m.Do(ctx, http.MethodGet, "/v1/me", nil, nil)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.backend.count("/auth/refresh"))
}

func TestManager_ExpiredRefreshTokenForcesLogout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.InactivityTimeout = 30 * 24 * time.Hour })
	ctx := context.Background()
	f.signIn(t)

	f.clock.Advance(8 * 24 * time.Hour)
	err := f.m.Do(ctx, http.MethodGet, "/v1/me", nil, nil)
	assert.ErrorIs(t, err, autherr.ErrTokenExpired)
	assert.Equal(t, StateAnonymous, f.m.State())
	_, ok := f.m.Session()
	assert.False(t, ok)

	for _, k := range DefaultKeys.all() {
		v, err := f.storage.Get(ctx, k)
		require.NoError(t, err)
		assert.Nil(t, v, k)
	}
}

func TestManager_RefreshKeepsSessionOnNetworkFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t)

	f.server.Close()
	err := f.m.Refresh(context.Background())
	assert.ErrorIs(t, err, autherr.ErrNetwork)
	assert.Equal(t, StateAuthenticated, f.m.State())
}

func TestManager_InactivityEndsSessionLocally(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.signIn(t)
	calls := f.backend.total()

	f.clock.Advance(31 * time.Minute)
	err := f.m.Do(ctx, http.MethodGet, "/v1/me", nil, nil)
	assert.ErrorIs(t, err, autherr.ErrUnauthenticated)
	assert.Equal(t, calls, f.backend.total())
	assert.Equal(t, StateAnonymous, f.m.State())

	v, err := f.storage.Get(ctx, DefaultKeys.RefreshToken)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestManager_ActivityPostponesTimeout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.signIn(t)

	f.clock.Advance(20 * time.Minute)
	f.m.Touch(ctx)
	f.clock.Advance(20 * time.Minute)
	assert.False(t, f.m.CheckInactivity(ctx))

	require.NoError(t, f.m.Do(ctx, http.MethodGet, "/v1/me", nil, nil))
	f.clock.Advance(29 * time.Minute)
	assert.False(t, f.m.CheckInactivity(ctx))

	f.clock.Advance(2 * time.Minute)
	assert.True(t, f.m.CheckInactivity(ctx))
	assert.Equal(t, StateAnonymous, f.m.State())
}

func TestManager_RunEndsInactiveSession(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatInterval = 5 * time.Millisecond })
	f.signIn(t)
	f.clock.Advance(31 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()

	require.Eventually(t, func() bool { return f.m.State() == StateAnonymous }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestManager_HeartbeatKeepsOpenSessionAlive(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.HeartbeatInterval = 5 * time.Millisecond })
	f.signIn(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.m.Run(ctx) }()

	// 40 minutes in 10 minute steps, each shorter than the inactivity timeout.
	for i := 0; i < 4; i++ {
		f.clock.Advance(10 * time.Minute)
		want := string(formatTime(f.clock.Now()))
		require.Eventually(t, func() bool {
			v, err := f.storage.Get(context.Background(), DefaultKeys.LastActiveAt)
			return err == nil && string(v) == want
		}, time.Second, 5*time.Millisecond, "step %d", i+1)
	}
	assert.Equal(t, StateAuthenticated, f.m.State())
	s, ok := f.m.Session()
	require.True(t, ok)
	assert.Equal(t, f.clock.Now(), s.LastActiveAt)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestManager_ServerRejectionEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.signIn(t)

	// Corrupt the in-memory token; the server answers TOKEN_INVALID.
	f.m.mu.Lock()
	f.m.session.AccessToken = strings.Repeat("x", 10)
	f.m.mu.Unlock()

	err := f.m.Do(ctx, http.MethodGet, "/v1/me", nil, nil)
	assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
	assert.Equal(t, StateAnonymous, f.m.State())
}

func TestManager_ForbiddenKeepsSession(t *testing.T) {
	f := newFixture(t, nil)
	f.signIn(t)

	err := f.m.Do(context.Background(), http.MethodGet, "/v1/users/2", nil, nil)
	assert.ErrorIs(t, err, autherr.ErrForbidden)
	assert.Equal(t, StateAuthenticated, f.m.State())
}

func TestManager_LogoutClearsEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.signIn(t)

	f.m.Logout(ctx)
	assert.Equal(t, StateAnonymous, f.m.State())
	assert.Equal(t, int64(1), f.backend.count("/auth/logout"))
	for _, k := range DefaultKeys.all() {
		v, err := f.storage.Get(ctx, k)
		require.NoError(t, err)
		assert.Nil(t, v, k)
	}

	// Logging out twice, or with the server gone, is harmless.
	f.server.Close()
	f.m.Logout(ctx)
	assert.Equal(t, StateAnonymous, f.m.State())
}

// gatedServer serves the real backend but holds requests to path until
// release is closed. arrived is closed when the first one comes in.
func gatedServer(t *testing.T, clock *fakeClock, path string) (srv *httptest.Server, arrived, release chan struct{}) {
	t.Helper()
	upstream := newBackend(t, clock)
	arrived = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == path {
			once.Do(func() { close(arrived) })
			<-release
		}
		upstream.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, arrived, release
}

func assertStorageEmpty(t *testing.T, s Storage) {
	t.Helper()
	for _, k := range DefaultKeys.all() {
		v, err := s.Get(context.Background(), k)
		require.NoError(t, err)
		assert.Nil(t, v, k)
	}
}

func TestManager_LogoutWinsOverInFlightVerification(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	srv, arrived, release := gatedServer(t, clock, "/auth/verify-credentials")

	m, err := NewManager(Options{Primary: NewAPI(srv.URL, 2*time.Second), Now: clock.Now})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Login(context.Background(), "a@x.com", "pw")
		done <- err
	}()
	<-arrived
	assert.Equal(t, StateVerifying, m.State())
	m.Logout(context.Background())
	close(release)

	assert.ErrorIs(t, <-done, autherr.ErrConflict)
	assert.Equal(t, StateAnonymous, m.State())
}

func TestManager_LogoutWinsOverInFlightCompletion(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	srv, arrived, release := gatedServer(t, clock, "/auth/complete-login")
	storage := NewMemoryStorage()

	m, err := NewManager(Options{Primary: NewAPI(srv.URL, 2*time.Second), Storage: storage, Now: clock.Now})
	require.NoError(t, err)
	_, err = m.Login(context.Background(), "a@x.com", "pw")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.CompleteLogin(context.Background(), 0)
		done <- err
	}()
	<-arrived
	assert.Equal(t, StateAwaitingCompletion, m.State())
	m.Logout(context.Background())
	close(release)

	assert.ErrorIs(t, <-done, autherr.ErrConflict)
	assert.Equal(t, StateAnonymous, m.State())
	_, ok := m.Session()
	assert.False(t, ok)
	assertStorageEmpty(t, storage)
}

func TestManager_LogoutWinsOverInFlightRefresh(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	srv, arrived, release := gatedServer(t, clock, "/auth/refresh")
	storage := NewMemoryStorage()

	m, err := NewManager(Options{Primary: NewAPI(srv.URL, 2*time.Second), Storage: storage, Now: clock.Now})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = m.Login(ctx, "a@x.com", "pw")
	require.NoError(t, err)
	_, err = m.CompleteLogin(ctx, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Refresh(context.Background()) }()
	<-arrived
	assert.Equal(t, StateRefreshing, m.State())
	m.Logout(ctx)
	close(release)

	assert.ErrorIs(t, <-done, autherr.ErrConflict)
	assert.Equal(t, StateAnonymous, m.State())
	_, ok := m.Session()
	assert.False(t, ok)
	assertStorageEmpty(t, storage)
}

func TestManager_Restore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.signIn(t)

	m2, err := NewManager(Options{Primary: NewAPI(f.server.URL, time.Second), Storage: f.storage, Now: f.clock.Now})
	require.NoError(t, err)
	ok, err := m2.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := m2.Session()
	assert.Equal(t, s.User.Email, got.User.Email)
	assert.Equal(t, s.AccessToken, got.AccessToken)
	assert.True(t, s.SessionStartAt.Equal(got.SessionStartAt))
	require.NoError(t, m2.Do(ctx, http.MethodGet, "/v1/me", nil, nil))
}

func TestManager_RestoreDiscardsStaleSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.signIn(t)
	f.clock.Advance(time.Hour)

	m2, err := NewManager(Options{Primary: NewAPI(f.server.URL, time.Second), Storage: f.storage, Now: f.clock.Now})
	require.NoError(t, err)
	ok, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := f.storage.Get(ctx, DefaultKeys.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestManager_RestoreIgnoresCorruptProfile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.signIn(t)
	require.NoError(t, f.storage.Set(ctx, DefaultKeys.Profile, []byte("%%%")))

	m2, err := NewManager(Options{Primary: NewAPI(f.server.URL, time.Second), Storage: f.storage, Now: f.clock.Now})
	require.NoError(t, err)
	ok, err := m2.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateAnonymous, m2.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_completion", StateAwaitingCompletion.String())
	assert.Equal(t, "unknown", State(42).String())
}

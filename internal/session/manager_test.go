package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uteq/turnos-console/internal/auth"
	"github.com/uteq/turnos-console/internal/auth/authtest"
	"github.com/uteq/turnos-console/internal/storage"
)

var testNow = time.Unix(1_760_000_000, 0)

// fakeAuth stands in for the auth service
type fakeAuth struct {
	loginPair *auth.TokenPair
	loginErr  error

	refreshCalls atomic.Int32
	refresh      func(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
}

func (f *fakeAuth) Login(ctx context.Context, email, password string) (*auth.TokenPair, error) {
	return f.loginPair, f.loginErr
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	f.refreshCalls.Add(1)
	return f.refresh(ctx, refreshToken)
}

type fakeTimer struct {
	delay   time.Duration
	fire    func()
	stopped bool
	fired   bool
}

// fakeTimers records scheduled renewals instead of running them
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{delay: d, fire: f}
	ft.timers = append(ft.timers, t)
	return &fakeTimerHandle{ft: ft, t: t}
}

func (ft *fakeTimers) active() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// expire runs a timer the way the runtime would once its delay has passed
func (ft *fakeTimers) expire(t *fakeTimer) {
	ft.mu.Lock()
	t.fired = true
	ft.mu.Unlock()
	t.fire()
}

func (ft *fakeTimers) all() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeTimer(nil), ft.timers...)
}

type fakeTimerHandle struct {
	ft *fakeTimers
	t  *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.ft.mu.Lock()
	defer h.ft.mu.Unlock()
	was := !h.t.stopped
	h.t.stopped = true
	return was
}

func tokenExpiringIn(d time.Duration, roles any) string {
	return authtest.Token("7", "admin@uteq.mx", roles, testNow.Add(d))
}

func setup(t *testing.T, fa *fakeAuth) (*Manager, storage.TokenStore, *fakeTimers) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:", []byte("test-key-32-bytes-long-ok-test!!"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	timers := &fakeTimers{}
	m := New(store, fa,
		WithClock(func() time.Time { return testNow }),
		WithAfterFunc(timers.AfterFunc),
	)
	t.Cleanup(m.Close)
	return m, store, timers
}

func TestLogin_SingleStringRole(t *testing.T) {
	access := tokenExpiringIn(time.Hour, "ADMIN")
	fa := &fakeAuth{loginPair: &auth.TokenPair{AccessToken: access, RefreshToken: "rt-1"}}
	m, store, timers := setup(t, fa)

	err := m.Login(context.Background(), "admin@uteq.mx", "123456")
	require.NoError(t, err)

	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, access, m.AccessToken())
	assert.Equal(t, &auth.User{ID: "7", Email: "admin@uteq.mx", Roles: []string{"ADMIN"}}, m.User())

	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, access, stored.AccessToken)
	assert.Equal(t, "rt-1", stored.RefreshToken)
	assert.Equal(t, []string{"ADMIN"}, stored.User.Roles)

	require.Len(t, timers.active(), 1)
	assert.Equal(t, time.Hour-DefaultSkew, timers.active()[0].delay)
}

func TestLogin_ArrayRoles(t *testing.T) {
	fa := &fakeAuth{loginPair: &auth.TokenPair{
		AccessToken:  tokenExpiringIn(time.Hour, []string{"DOCENTE", " ADMIN "}),
		RefreshToken: "rt",
	}}
	m, _, _ := setup(t, fa)

	require.NoError(t, m.Login(context.Background(), "d@uteq.mx", "x"))
	assert.Equal(t, []string{"DOCENTE", "ADMIN"}, m.User().Roles)
}

func TestLogin_Rejected(t *testing.T) {
	fa := &fakeAuth{loginErr: &auth.AuthenticationError{Status: 401, Message: "Credenciales inválidas"}}
	m, _, timers := setup(t, fa)

	err := m.Login(context.Background(), "a@uteq.mx", "bad")

	var authErr *auth.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "Credenciales inválidas", authErr.Message)
	assert.Equal(t, StateAnonymous, m.State())
	assert.Nil(t, m.User())
	assert.Empty(t, timers.all())
}

func TestLogin_UndecodableTokenKeepsTokenWithoutTimer(t *testing.T) {
	fa := &fakeAuth{loginPair: &auth.TokenPair{AccessToken: "opaque", RefreshToken: "rt"}}
	m, _, timers := setup(t, fa)

	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))
	assert.Equal(t, "opaque", m.AccessToken())
	assert.Nil(t, m.User())
	assert.Empty(t, timers.active())
}

func TestProactiveDelay(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		want      time.Duration
	}{
		{"expires in 90s", 90 * time.Second, 30 * time.Second},
		{"inside skew", 30 * time.Second, 0},
		{"already expired", -time.Minute, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := &fakeAuth{loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(tt.expiresIn, "ALUMNO"), RefreshToken: "rt"}}
			m, _, timers := setup(t, fa)

			require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))
			require.Len(t, timers.active(), 1)
			assert.Equal(t, tt.want, timers.active()[0].delay)
		})
	}
}

func TestRenew_ReplacesTokenAndKeepsOneTimer(t *testing.T) {
	renewed := tokenExpiringIn(2*time.Hour, "DOCENTE")
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN"), RefreshToken: "rt-1"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			return &auth.TokenPair{AccessToken: renewed}, nil
		},
	}
	m, store, timers := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	token, err := m.Renew(context.Background())
	require.NoError(t, err)
	_, err = m.Renew(context.Background())
	require.NoError(t, err)

	assert.Equal(t, renewed, token)
	assert.Equal(t, renewed, m.AccessToken())
	assert.Equal(t, []string{"DOCENTE"}, m.User().Roles)
	assert.Len(t, timers.all(), 3)
	require.Len(t, timers.active(), 1)
	assert.Equal(t, 2*time.Hour-DefaultSkew, timers.active()[0].delay)

	// Refresh token was not rotated, so the old one is kept
	stored, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "rt-1", stored.RefreshToken)
	assert.Equal(t, renewed, stored.AccessToken)
}

func TestRenew_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	renewed := tokenExpiringIn(time.Hour, "ADMIN")
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Minute, "ADMIN"), RefreshToken: "rt"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			<-release
			return &auth.TokenPair{AccessToken: renewed, RefreshToken: "rt-2"}, nil
		},
	}
	m, _, _ := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Renew(context.Background())
		}(i)
	}

	require.Eventually(t, m.Renewing, time.Second, time.Millisecond)
	// Give every caller time to attach to the in-flight renewal
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, renewed, tokens[i])
	}
	assert.False(t, m.Renewing())
}

func TestRenew_FailureLogsOutEveryWaiter(t *testing.T) {
	release := make(chan struct{})
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN"), RefreshToken: "rt"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			<-release
			return nil, errors.New("refresh token expired")
		},
	}
	m, store, timers := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	var notified []*auth.User
	var notifyMu sync.Mutex
	m.Subscribe(func(u *auth.User) {
		notifyMu.Lock()
		defer notifyMu.Unlock()
		notified = append(notified, u)
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Renew(context.Background())
		}(i)
	}
	require.Eventually(t, m.Renewing, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, auth.ErrRenewal)
	}
	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	assert.Equal(t, StateAnonymous, m.State())
	assert.Empty(t, m.AccessToken())
	assert.Nil(t, m.User())
	assert.Empty(t, timers.active())

	stored, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, stored)

	notifyMu.Lock()
	defer notifyMu.Unlock()
	require.Len(t, notified, 1)
	assert.Nil(t, notified[0])
}

func TestRenew_NoRefreshToken(t *testing.T) {
	fa := &fakeAuth{loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN")}}
	m, _, _ := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	_, err := m.Renew(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoRefreshToken)
	assert.EqualValues(t, 0, fa.refreshCalls.Load())
	assert.Equal(t, StateAnonymous, m.State())
}

func TestRenew_LogoutDuringRenewalDiscardsResult(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN"), RefreshToken: "rt"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			close(started)
			<-release
			return &auth.TokenPair{AccessToken: tokenExpiringIn(2*time.Hour, "ADMIN")}, nil
		},
	}
	m, _, timers := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	done := make(chan error)
	go func() {
		_, err := m.Renew(context.Background())
		done <- err
	}()
	<-started
	m.Logout()
	close(release)

	assert.ErrorIs(t, <-done, ErrSessionReplaced)
	assert.Equal(t, StateAnonymous, m.State())
	assert.Empty(t, timers.active())
}

func TestRenew_CallerContextCanceled(t *testing.T) {
	release := make(chan struct{})
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN"), RefreshToken: "rt"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			<-release
			return &auth.TokenPair{AccessToken: tokenExpiringIn(2*time.Hour, "ADMIN")}, nil
		},
	}
	m, _, _ := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Renew(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, m.Renewing, time.Second, time.Millisecond)

	// The shared renewal still completes for everyone else
	close(release)
	assert.Eventually(t, func() bool { return !m.Renewing() }, time.Second, time.Millisecond)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestProactiveTimer_FiresRenewal(t *testing.T) {
	renewed := tokenExpiringIn(2*time.Hour, "ADMIN")
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(90*time.Second, "ADMIN"), RefreshToken: "rt"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			return &auth.TokenPair{AccessToken: renewed}, nil
		},
	}
	m, _, timers := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))

	first := timers.active()[0]
	timers.expire(first)

	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	assert.Equal(t, renewed, m.AccessToken())

	// A stale timer firing again after replacement must not renew
	first.fire()
	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	assert.Len(t, timers.active(), 1)
}

func TestProactiveTimer_JoinsInFlightRenewal(t *testing.T) {
	release := make(chan struct{})
	renewed := tokenExpiringIn(2*time.Hour, "ADMIN")
	fa := &fakeAuth{
		loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(90*time.Second, "ADMIN"), RefreshToken: "rt"},
		refresh: func(ctx context.Context, rt string) (*auth.TokenPair, error) {
			<-release
			return &auth.TokenPair{AccessToken: renewed}, nil
		},
	}
	m, _, timers := setup(t, fa)
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))
	require.Len(t, timers.active(), 1)
	proactive := timers.active()[0]

	type result struct {
		token string
		err   error
	}
	reactive := make(chan result, 1)
	go func() {
		token, err := m.Renew(context.Background())
		reactive <- result{token, err}
	}()
	require.Eventually(t, m.Renewing, time.Second, time.Millisecond)

	timerDone := make(chan struct{})
	go func() {
		defer close(timerDone)
		timers.expire(proactive)
	}()
	// Let the timer attach to the renewal already in flight
	time.Sleep(50 * time.Millisecond)
	close(release)

	res := <-reactive
	require.NoError(t, res.err)
	assert.Equal(t, renewed, res.token)

	select {
	case <-timerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("proactive renewal did not return")
	}
	assert.EqualValues(t, 1, fa.refreshCalls.Load())
	assert.Equal(t, renewed, m.AccessToken())
	assert.Len(t, timers.active(), 1)
}

func TestLogout(t *testing.T) {
	fa := &fakeAuth{loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN"), RefreshToken: "rt"}}
	m, store, timers := setup(t, fa)

	// Idempotent on an anonymous session
	m.Logout()

	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))
	m.Logout()
	m.Logout()

	assert.Equal(t, StateAnonymous, m.State())
	assert.Empty(t, m.AccessToken())
	assert.Nil(t, m.User())
	assert.Empty(t, timers.active())

	stored, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, stored)
}

func TestInit_RestoresAndRederivesUser(t *testing.T) {
	access := tokenExpiringIn(time.Hour, "DOCENTE,ADMIN")
	fa := &fakeAuth{}
	m, store, timers := setup(t, fa)

	// Stored user disagrees with the token; the token wins
	require.NoError(t, store.Save(&storage.StoredSession{
		AccessToken:  access,
		RefreshToken: "rt",
		User:         &auth.User{ID: "stale", Roles: []string{"ALUMNO"}},
	}))

	require.NoError(t, m.Init())
	assert.Equal(t, access, m.AccessToken())
	assert.Equal(t, &auth.User{ID: "7", Email: "admin@uteq.mx", Roles: []string{"DOCENTE", "ADMIN"}}, m.User())
	assert.Len(t, timers.active(), 1)
}

func TestInit_Empty(t *testing.T) {
	m, _, timers := setup(t, &fakeAuth{})

	require.NoError(t, m.Init())
	assert.Equal(t, StateAnonymous, m.State())
	assert.Empty(t, timers.all())
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	fa := &fakeAuth{loginPair: &auth.TokenPair{AccessToken: tokenExpiringIn(time.Hour, "ADMIN"), RefreshToken: "rt"}}
	m, _, _ := setup(t, fa)

	calls := 0
	unsubscribe := m.Subscribe(func(*auth.User) { calls++ })
	require.NoError(t, m.Login(context.Background(), "a@uteq.mx", "x"))
	unsubscribe()
	m.Logout()

	assert.Equal(t, 1, calls)
}

// Package session owns who is logged in to the console and keeps their
// credentials fresh.
//
// Threading model:
//   - Reads (AccessToken, User, State) take a read lock and always return the
//     last known-good values, including while a renewal is outstanding.
//   - Login, Renew and Logout swap the access token, refresh token and user
//     together under the write lock.
//   - At most one renewal runs at a time. Callers that need a renewal while one
//     is in flight wait for that same renewal.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uteq/turnos-console/internal/auth"
	"github.com/uteq/turnos-console/internal/storage"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSkew is how long before expiry the proactive renewal fires.
	DefaultSkew = 60 * time.Second

	// DefaultRenewTimeout bounds a single call to the refresh endpoint.
	DefaultRenewTimeout = 15 * time.Second

	renewKey = "renew"
)

var ErrSessionReplaced = fmt.Errorf("%w: session changed while renewing", auth.ErrRenewal)

// State of the session as seen by callers.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
)

func (s State) String() string {
	if s == StateAuthenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Authenticator is the auth service as the manager uses it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*auth.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
}

// Timer is a cancelable scheduled call. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func defaultAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type Option func(*Manager)

func WithSkew(skew time.Duration) Option {
	return func(m *Manager) { m.skew = skew }
}

func WithRenewTimeout(timeout time.Duration) Option {
	return func(m *Manager) { m.renewTimeout = timeout }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

// Manager is the single source of truth for the console's session.
type Manager struct {
	store        storage.TokenStore
	auth         Authenticator
	skew         time.Duration
	renewTimeout time.Duration
	now          func() time.Time
	afterFunc    AfterFunc

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	user         *auth.User
	// generation changes on login and logout so a renewal that finishes after
	// either can tell its result is stale
	generation uint64
	timer      Timer
	timerGen   uint64

	// persistMu keeps store writes in the same order as state changes
	persistMu sync.Mutex

	renewals singleflight.Group
	renewing atomic.Bool

	listenersMu  sync.Mutex
	listeners    map[int]func(*auth.User)
	nextListener int
}

// New creates a manager. Call Init to restore a persisted session.
func New(store storage.TokenStore, authenticator Authenticator, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		auth:         authenticator,
		skew:         DefaultSkew,
		renewTimeout: DefaultRenewTimeout,
		now:          time.Now,
		afterFunc:    defaultAfterFunc,
		listeners:    make(map[int]func(*auth.User)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init restores the persisted session. It is the only time the store is read.
func (m *Manager) Init() error {
	stored, err := m.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load stored session: %w", err)
	}
	if stored == nil {
		log.Info().Msg("no stored session")
		return nil
	}

	m.mu.Lock()
	m.accessToken = stored.AccessToken
	m.refreshToken = stored.RefreshToken
	m.user = stored.User
	// The token wins over the stored user if they disagree
	if claims, err := auth.DecodeClaims(stored.AccessToken); err == nil {
		m.user = auth.UserFromClaims(claims)
	}
	m.generation++
	m.armTimerLocked()
	user := m.user.Clone()
	m.mu.Unlock()

	log.Info().Str("userId", userID(user)).Msg("loaded session from store")
	m.notify(user)
	return nil
}

// Login sends credentials to the auth service and starts a session.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	pair, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.generation++
	m.accessToken = pair.AccessToken
	m.refreshToken = pair.RefreshToken
	m.user = nil
	m.applyTokenLocked()
	user := m.user.Clone()
	m.persistAndUnlock()

	log.Info().Str("userId", userID(user)).Strs("roles", roles(user)).Msg("user logged in")
	m.notify(user)
	return nil
}

// Logout ends the session. It is safe to call when nobody is logged in.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.logoutLocked()
}

// logoutGeneration logs out only if the session is still the one a failed
// renewal started from; a newer login must survive an old refresh failing.
func (m *Manager) logoutGeneration(generation uint64) {
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		return
	}
	m.logoutLocked()
}

func (m *Manager) logoutLocked() {
	wasAuthenticated := m.accessToken != "" || m.refreshToken != ""
	m.generation++
	m.stopTimerLocked()
	m.accessToken = ""
	m.refreshToken = ""
	m.user = nil
	m.persistAndUnlock()

	if wasAuthenticated {
		log.Info().Msg("session ended")
		m.notify(nil)
	}
}

// Renew obtains a new access token with the refresh token and returns it.
//
// Concurrent calls share one request to the auth service. The shared renewal
// isn't tied to any caller's context: a caller whose ctx ends stops waiting
// but the renewal carries on for the others. On failure the session is logged
// out and every waiting caller gets an error wrapping auth.ErrRenewal.
func (m *Manager) Renew(ctx context.Context) (string, error) {
	ch := m.renewals.DoChan(renewKey, func() (any, error) {
		m.renewing.Store(true)
		defer m.renewing.Store(false)
		return m.renew(ctx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) renew(ctx context.Context) (string, error) {
	m.mu.RLock()
	refreshToken := m.refreshToken
	generation := m.generation
	m.mu.RUnlock()

	if refreshToken == "" {
		m.logoutGeneration(generation)
		return "", auth.ErrNoRefreshToken
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.renewTimeout)
	defer cancel()

	log.Debug().Msg("renewing session")
	pair, err := m.auth.Refresh(rctx, refreshToken)
	if err != nil {
		if !errors.Is(err, auth.ErrRenewal) {
			err = fmt.Errorf("%w: %v", auth.ErrRenewal, err)
		}
		log.Warn().Err(err).Msg("session renewal failed, logging out")
		m.logoutGeneration(generation)
		return "", err
	}

	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		log.Info().Msg("discarding renewal for a session that has since changed")
		return "", ErrSessionReplaced
	}
	m.accessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		m.refreshToken = pair.RefreshToken
	}
	m.applyTokenLocked()
	token := m.accessToken
	user := m.user.Clone()
	m.persistAndUnlock()

	log.Info().Str("userId", userID(user)).Msg("session renewed")
	m.notify(user)
	return token, nil
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accessToken
}

// User returns a copy of the current user, or nil.
func (m *Manager) User() *auth.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.Clone()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.accessToken != "" {
		return StateAuthenticated
	}
	return StateAnonymous
}

func (m *Manager) Authenticated() bool {
	return m.State() == StateAuthenticated
}

// Renewing reports whether a renewal is in flight.
func (m *Manager) Renewing() bool {
	return m.renewing.Load()
}

// Subscribe registers fn to be called with the new user after every login,
// renewal and logout (nil user). It returns a function that unregisters fn.
func (m *Manager) Subscribe(fn func(*auth.User)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()
		delete(m.listeners, id)
	}
}

// Close cancels the proactive renewal timer without touching the session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

// applyTokenLocked re-derives the user from the current access token and
// re-arms the renewal timer. An undecodable token keeps whatever user was
// known before and leaves no timer armed; the next 401 renews instead.
func (m *Manager) applyTokenLocked() {
	claims, err := auth.DecodeClaims(m.accessToken)
	if err != nil {
		log.Warn().Err(err).Msg("could not decode access token claims")
		m.stopTimerLocked()
		return
	}
	m.user = auth.UserFromClaims(claims)
	m.armTimerLocked()
}

func (m *Manager) armTimerLocked() {
	m.stopTimerLocked()

	claims, err := auth.DecodeClaims(m.accessToken)
	if err != nil || claims.ExpiresAt.IsZero() {
		return
	}

	delay := claims.ExpiresAt.Sub(m.now()) - m.skew
	if delay < 0 {
		delay = 0
	}

	m.timerGen++
	gen := m.timerGen
	m.timer = m.afterFunc(delay, func() { m.onTimer(gen) })
	log.Debug().Dur("delay", delay).Time("expiresAt", claims.ExpiresAt).Msg("scheduled session renewal")
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	// A timer that already fired but hasn't taken the lock yet sees a newer
	// generation and does nothing
	m.timerGen++
}

func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if _, err := m.Renew(context.Background()); err != nil {
		log.Warn().Err(err).Msg("proactive session renewal failed")
	}
}

// persistAndUnlock writes a snapshot of the session to the store and releases
// m.mu. Store failures are logged; the in-memory session stays authoritative.
func (m *Manager) persistAndUnlock() {
	snapshot := storage.StoredSession{
		AccessToken:  m.accessToken,
		RefreshToken: m.refreshToken,
		User:         m.user.Clone(),
	}
	m.persistMu.Lock()
	m.mu.Unlock()
	defer m.persistMu.Unlock()

	var err error
	if snapshot.IsEmpty() {
		err = m.store.Clear()
	} else {
		err = m.store.Save(&snapshot)
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to persist session")
	}
}

func (m *Manager) notify(user *auth.User) {
	m.listenersMu.Lock()
	fns := make([]func(*auth.User), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(user.Clone())
	}
}

func userID(u *auth.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}

func roles(u *auth.User) []string {
	if u == nil {
		return nil
	}
	return u.Roles
}

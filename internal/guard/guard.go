// Package guard decides which console views the current user may open.
// It only reads the session; a forced logout shows up here as a nil user and
// sends the next navigation back to the login view.
package guard

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/uteq/turnos-console/internal/auth"
)

const (
	RoleAdmin   = "ADMIN"
	RoleDocente = "DOCENTE"
	RoleAlumno  = "ALUMNO"

	LoginPath = "/login"
)

// UserSource is satisfied by *session.Manager.
type UserSource interface {
	User() *auth.User
}

// Route protects every path under Prefix. An empty Roles list only requires
// a logged-in user; Public routes need nothing.
type Route struct {
	Prefix string
	Roles  []string
	Public bool
}

var DefaultRoutes = []Route{
	{Prefix: LoginPath, Public: true},
	{Prefix: "/monitor", Public: true},
	{Prefix: "/admin", Roles: []string{RoleAdmin}},
	{Prefix: "/docente", Roles: []string{RoleDocente, RoleAdmin}},
	{Prefix: "/alumno", Roles: []string{RoleAlumno, RoleAdmin}},
}

type Decision struct {
	Allowed  bool
	Redirect string
}

type Guard struct {
	users  UserSource
	routes []Route
}

func New(users UserSource, routes []Route) *Guard {
	if routes == nil {
		routes = DefaultRoutes
	}
	return &Guard{users: users, routes: routes}
}

// Check decides whether path may be opened right now. Paths that match no
// route fall back to the login view, as unknown URLs do in the browser.
func (g *Guard) Check(path string) Decision {
	route, ok := g.match(path)
	if !ok {
		return Decision{Redirect: LoginPath}
	}
	if route.Public {
		return Decision{Allowed: true}
	}

	user := g.users.User()
	if user == nil {
		return Decision{Redirect: LoginPath}
	}
	if !user.HasAnyRole(route.Roles...) {
		log.Debug().
			Str("path", path).
			Strs("required", route.Roles).
			Strs("roles", user.Roles).
			Msg("blocked by roles")
		return Decision{Redirect: LoginPath}
	}
	return Decision{Allowed: true}
}

// Changes is satisfied by *session.Manager.
type Changes interface {
	Subscribe(fn func(*auth.User)) func()
}

// Protect returns a context for a view open at path that is cancelled as soon
// as the session no longer allows it, e.g. after a forced logout. The view
// stops when its context ends; the next navigation goes through Check and
// lands on the login view.
func (g *Guard) Protect(ctx context.Context, path string, changes Changes) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	revoke := func() {
		if d := g.Check(path); !d.Allowed {
			log.Info().Str("path", path).Str("redirect", d.Redirect).Msg("closing view, access revoked")
			cancel()
		}
	}

	unsubscribe := changes.Subscribe(func(*auth.User) { revoke() })
	context.AfterFunc(ctx, unsubscribe)
	// The session may have changed before the listener was registered
	revoke()

	return ctx, cancel
}

// match returns the route with the longest prefix that covers path on a
// segment boundary.
func (g *Guard) match(path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range g.routes {
		if path != r.Prefix && !strings.HasPrefix(path, strings.TrimSuffix(r.Prefix, "/")+"/") {
			continue
		}
		if !found || len(r.Prefix) > len(best.Prefix) {
			best, found = r, true
		}
	}
	return best, found
}

// HomeFor returns the landing view for a set of roles, preferring the most
// privileged one.
func HomeFor(roles []string) string {
	has := map[string]bool{}
	for _, r := range roles {
		has[strings.ToUpper(strings.TrimSpace(r))] = true
	}
	switch {
	case has[RoleAdmin]:
		return "/admin"
	case has[RoleDocente]:
		return "/docente"
	case has[RoleAlumno]:
		return "/alumno"
	default:
		return "/"
	}
}

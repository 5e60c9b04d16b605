package main

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uteq/turnos-console/config"
	"github.com/uteq/turnos-console/internal/auth"
	"github.com/uteq/turnos-console/internal/catalog"
	"github.com/uteq/turnos-console/internal/gateway"
	"github.com/uteq/turnos-console/internal/guard"
	"github.com/uteq/turnos-console/internal/live"
	"github.com/uteq/turnos-console/internal/monitor"
	"github.com/uteq/turnos-console/internal/session"
	"github.com/uteq/turnos-console/internal/storage"
	"github.com/uteq/turnos-console/internal/turnos"
	"golang.org/x/sync/errgroup"
)

const logFileName = "turnos-console.log"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// JOURNAL_STREAM is set by systemd when running as a service
	if _, underSystemd := os.LookupEnv("JOURNAL_STREAM"); underSystemd {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open log file")
		}
		defer logFile.Close()

		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr}
		fileWriter := zerolog.ConsoleWriter{Out: logFile, NoColor: true}
		log.Logger = log.Output(io.MultiWriter(consoleWriter, fileWriter))

		log.Info().Str("logFile", logFileName).Msg("logging to file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	encryptionKey, err := storage.DeriveKey(cfg.TokenKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to derive encryption key")
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath, encryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session store")
	}
	defer store.Close()
	log.Info().Str("dbPath", cfg.DBPath).Msg("session store initialized")

	authClient := auth.NewClient(auth.ClientOpts{BaseURL: cfg.AuthAPIBase, Timeout: cfg.RequestTimeout})
	sessions := session.New(store, authClient,
		session.WithSkew(cfg.RenewSkew),
		session.WithRenewTimeout(cfg.RequestTimeout),
	)
	defer sessions.Close()

	unsubscribe := sessions.Subscribe(func(u *auth.User) {
		if u == nil {
			log.Info().Msg("logged out")
			return
		}
		log.Info().Str("email", u.Email).Strs("roles", u.Roles).Str("home", guard.HomeFor(u.Roles)).Msg("session user changed")
	})
	defer unsubscribe()

	if err := sessions.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to restore session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !sessions.Authenticated() && cfg.LoginEmail != "" {
		if err := sessions.Login(ctx, cfg.LoginEmail, cfg.LoginPassword); err != nil {
			log.Error().Str("email", cfg.LoginEmail).Str("reason", gateway.ErrorMessage(err)).Msg("login failed")
		}
	}

	gw := gateway.New(sessions, gateway.WithTimeout(cfg.RequestTimeout), gateway.WithDebug(cfg.Debug))
	turnosClient := turnos.NewClient(gw.Client("turnos", cfg.TurnosAPIBase))
	catalogClient := catalog.NewClient(gw.Client("catalog", cfg.CatalogAPIBase))

	routes := guard.New(sessions, nil)
	if d := routes.Check("/monitor"); !d.Allowed {
		log.Fatal().Str("redirect", d.Redirect).Msg("monitor view is not reachable")
	}

	g, ctx := errgroup.WithContext(ctx)

	public := monitor.NewService(monitor.Opts{
		List:         turnosClient.ListMonitor,
		Channel:      newChannel(cfg),
		LiveBaseURL:  cfg.TurnosAPIBase,
		PollInterval: cfg.MonitorPollInterval,
	})
	g.Go(func() error {
		return public.Run(ctx)
	})

	if own, home := ownView(ctx, cfg, sessions, routes, turnosClient, catalogClient); own != nil {
		// Closed by the guard once the session no longer allows the view
		viewCtx, closeView := routes.Protect(ctx, home, sessions)
		g.Go(func() error {
			defer closeView()
			return own.Run(viewCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("shutdown with error")
	} else {
		log.Info().Msg("shutdown complete")
	}
}

func newChannel(cfg *config.Config) *live.Channel {
	return live.New(live.WithReconnectDelay(cfg.ReconnectDelay), live.WithDebug(cfg.Debug))
}

// ownView builds the monitor of the logged-in user's own turns, if the user
// has a teacher or student profile and may open that area. It also returns
// the view's path.
func ownView(ctx context.Context, cfg *config.Config, sessions *session.Manager, routes *guard.Guard, turnosClient *turnos.Client, catalogClient *catalog.Client) (*monitor.Service, string) {
	user := sessions.User()
	if user == nil {
		return nil, ""
	}
	home := guard.HomeFor(user.Roles)
	if d := routes.Check(home); !d.Allowed {
		log.Warn().Str("home", home).Str("redirect", d.Redirect).Msg("home view is not reachable")
		return nil, ""
	}

	userID, err := strconv.ParseInt(user.ID, 10, 64)
	if err != nil {
		log.Debug().Str("subject", user.ID).Msg("subject is not a numeric user id, skipping own view")
		return nil, ""
	}
	ids, err := catalogClient.ProfileIDsFor(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to look up profiles")
		return nil, ""
	}

	opts := monitor.Opts{
		Channel:      newChannel(cfg),
		LiveBaseURL:  cfg.TurnosAPIBase,
		PollInterval: cfg.MonitorPollInterval,
	}
	switch {
	case home == "/docente" && ids.DocenteID != 0:
		docenteID := ids.DocenteID
		opts.Name = "docente"
		opts.Topic = turnos.DocenteTopic(docenteID)
		opts.List = func(ctx context.Context) ([]turnos.Turno, error) {
			return turnosClient.ListByDocente(ctx, docenteID)
		}
	case home == "/alumno" && ids.AlumnoID != 0:
		alumnoID := ids.AlumnoID
		opts.Name = "alumno"
		opts.Topic = turnos.AlumnoTopic(alumnoID)
		opts.List = func(ctx context.Context) ([]turnos.Turno, error) {
			return turnosClient.List(ctx, url.Values{"alumnoId": {strconv.FormatInt(alumnoID, 10)}})
		}
	default:
		return nil, ""
	}
	log.Info().Str("view", opts.Name).Str("topic", opts.Topic).Msg("watching own turnos")
	return monitor.NewService(opts), home
}

// Package monitor keeps a turn list view current: the public display, or a
// teacher's or student's own list. It re-fetches whenever the turn service
// announces a change on the view's topic, and on a slow timer in case an
// announcement was missed.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"
	"github.com/uteq/turnos-console/internal/live"
	"github.com/uteq/turnos-console/internal/turnos"
)

const (
	// DefaultPollInterval is the fallback refresh when no notification arrives.
	DefaultPollInterval = 30 * time.Second
)

// ListFunc fetches the current turn list from the turn service.
type ListFunc func(ctx context.Context) ([]turnos.Turno, error)

// Subscriber is satisfied by *live.Channel.
type Subscriber interface {
	Connect(baseURL string, topics []string, onMessage live.Handler) error
	Close()
}

// Sink shows a snapshot to whoever is watching the monitor.
type Sink interface {
	Render(Snapshot)
}

// Change is a turn that appeared or moved to another state since the
// previous snapshot.
type Change struct {
	Turno turnos.Turno
	From  turnos.Estado
}

type Snapshot struct {
	Turnos    []turnos.Turno
	Counts    map[turnos.Estado]int
	Changes   []Change
	UpdatedAt time.Time
}

type Service struct {
	name         string
	list         ListFunc
	channel      Subscriber
	liveBaseURL  string
	topic        string
	sink         Sink
	pollInterval time.Duration
	now          func() time.Time

	refresh chan struct{}
	last    map[int64]turnos.Estado
}

type Opts struct {
	Name         string // identifies the view in logs
	List         ListFunc
	Channel      Subscriber
	LiveBaseURL  string
	Topic        string // defaults to the public monitor topic
	Sink         Sink
	PollInterval time.Duration
}

func NewService(opts Opts) *Service {
	s := &Service{
		name:         opts.Name,
		list:         opts.List,
		channel:      opts.Channel,
		liveBaseURL:  opts.LiveBaseURL,
		topic:        opts.Topic,
		sink:         opts.Sink,
		pollInterval: opts.PollInterval,
		now:          time.Now,
		refresh:      make(chan struct{}, 1),
	}
	if s.name == "" {
		s.name = "monitor"
	}
	if s.topic == "" {
		s.topic = turnos.MonitorTopic
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.sink == nil {
		s.sink = LogSink{}
	}
	return s
}

// Run keeps the monitor current until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	log.Info().Str("view", s.name).Str("topic", s.topic).Dur("interval", s.pollInterval).Msg("starting monitor service")

	if err := s.channel.Connect(s.liveBaseURL, []string{s.topic}, s.notify); err != nil {
		return fmt.Errorf("failed to connect live channel: %w", err)
	}
	defer s.channel.Close()

	s.load(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("view", s.name).Msg("monitor service stopped")
			return nil
		case <-ticker.C:
			s.load(ctx)
		case <-s.refresh:
			s.load(ctx)
		}
	}
}

// notify runs on the live channel's reader goroutine. Notifications that
// arrive while a reload is already pending collapse into it.
func (s *Service) notify(msg live.Message) {
	log.Debug().Str("view", s.name).Str("topic", msg.Topic).Str("payload", msg.Raw).Msg("monitor notified")
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

func (s *Service) load(ctx context.Context) {
	list, err := s.list(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Str("view", s.name).Msg("failed to load turnos")
		}
		return
	}

	snap := s.snapshot(list)
	if len(snap.Changes) > 0 {
		log.Info().Str("view", s.name).Int("changes", len(snap.Changes)).Int("turnos", len(snap.Turnos)).Msg("turnos updated")
	}
	s.sink.Render(snap)
}

func (s *Service) snapshot(list []turnos.Turno) Snapshot {
	sorted := append([]turnos.Turno(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Estado.Rank() < sorted[j].Estado.Rank()
	})

	snap := Snapshot{
		Turnos:    sorted,
		Counts:    map[turnos.Estado]int{},
		UpdatedAt: s.now(),
	}
	current := make(map[int64]turnos.Estado, len(sorted))
	for _, t := range sorted {
		snap.Counts[t.Estado]++
		current[t.ID] = t.Estado
		prev, seen := s.last[t.ID]
		if !seen || prev != t.Estado {
			snap.Changes = append(snap.Changes, Change{Turno: t, From: prev})
		}
	}
	s.last = current
	return snap
}

// LogSink writes each snapshot to the log.
type LogSink struct{}

func (LogSink) Render(snap Snapshot) {
	for _, line := range strings.Split(Format(snap), "\n") {
		log.Info().Msg(line)
	}
}

// Format renders a snapshot as text, one line per turn.
func Format(snap Snapshot) string {
	var sb strings.Builder
	sb.WriteString(formatText(`
		Monitor de turnos (%s)
		En atención: %d · Aceptados: %d · Solicitados: %d
	`,
		snap.UpdatedAt.Format("15:04:05"),
		snap.Counts[turnos.EstadoEnAtencion],
		snap.Counts[turnos.EstadoAceptado],
		snap.Counts[turnos.EstadoSolicitado],
	))
	for _, t := range snap.Turnos {
		sb.WriteString("\n")
		sb.WriteString(formatTurno(t))
	}
	return sb.String()
}

func formatTurno(t turnos.Turno) string {
	folio := t.Folio
	if folio == "" {
		folio = fmt.Sprintf("#%d", t.ID)
	}
	tema := t.Tema
	if tema == "" {
		tema = "-"
	}
	line := fmt.Sprintf("%-12s %-11s docente %d · %s", folio, t.Estado, t.DocenteID, tema)
	if t.CubiculoID != nil {
		line += fmt.Sprintf(" · cubículo %d", *t.CubiculoID)
	}
	if t.Estado.Scheduled() && t.Fecha != "" {
		line += fmt.Sprintf(" · %s %s", t.Fecha, t.HoraIni)
	}
	return line
}

func formatText(text string, a ...any) string {
	return fmt.Sprintf(strings.TrimSpace(dedent.Dedent(text)), a...)
}

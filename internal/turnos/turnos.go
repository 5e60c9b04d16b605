// Package turnos is the console's client for the turn management service.
// Turn lifecycle rules live in the service; Estado is only displayed here.
package turnos

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/uteq/turnos-console/internal/gateway"
)

type Estado string

const (
	EstadoSolicitado Estado = "SOLICITADO"
	EstadoAceptado   Estado = "ACEPTADO"
	EstadoEnAtencion Estado = "EN_ATENCION"
	EstadoFinalizado Estado = "FINALIZADO"
	EstadoCancelado  Estado = "CANCELADO"
)

// Rank orders turns for display: in progress first, closed last.
func (e Estado) Rank() int {
	switch e {
	case EstadoEnAtencion:
		return 0
	case EstadoAceptado:
		return 1
	case EstadoSolicitado:
		return 2
	case EstadoFinalizado:
		return 3
	case EstadoCancelado:
		return 4
	default:
		return 9
	}
}

// Scheduled reports whether turns in this state carry a date and time.
func (e Estado) Scheduled() bool {
	return e == EstadoAceptado || e == EstadoEnAtencion || e == EstadoFinalizado
}

type Turno struct {
	ID            int64  `json:"id"`
	Folio         string `json:"folio"`
	AlumnoID      int64  `json:"alumnoId"`
	DocenteID     int64  `json:"docenteId"`
	MateriaID     int64  `json:"materiaId"`
	CubiculoID    *int64 `json:"cubiculoId,omitempty"`
	Tema          string `json:"tema,omitempty"`
	Estado        Estado `json:"estado"`
	Lugar         string `json:"lugar,omitempty"`
	Fecha         string `json:"fecha,omitempty"`
	HoraIni       string `json:"horaIni,omitempty"`
	HoraFin       string `json:"horaFin,omitempty"`
	Observaciones string `json:"observaciones,omitempty"`
	CreatedAt     string `json:"createdAt,omitempty"`
}

// Solicitud is what a student sends to request a turn.
type Solicitud struct {
	AlumnoID  int64   `json:"alumnoId"`
	MateriaID int64   `json:"materiaId"`
	DocenteID int64   `json:"docenteId"`
	Tema      *string `json:"tema"`
}

// Aceptacion schedules a requested turn. Fecha is YYYY-MM-DD, hours HH:mm.
type Aceptacion struct {
	Lugar         string `json:"lugar"`
	Fecha         string `json:"fecha"`
	HoraIni       string `json:"horaIni"`
	HoraFin       string `json:"horaFin"`
	Observaciones string `json:"observaciones,omitempty"`
}

func (a Aceptacion) Validate() error {
	if a.Lugar == "" || a.Fecha == "" || a.HoraIni == "" || a.HoraFin == "" {
		return fmt.Errorf("lugar, fecha, horaIni and horaFin are required")
	}
	return nil
}

// Horario is a teacher's weekly availability slot. DiaSemana runs 1..7.
type Horario struct {
	ID        int64  `json:"id,omitempty"`
	DocenteID int64  `json:"docenteId"`
	DiaSemana int    `json:"diaSemana"`
	HoraIni   string `json:"horaIni"`
	HoraFin   string `json:"horaFin"`
	Activo    bool   `json:"activo"`
}

// Topics the turn service publishes notifications on.
const MonitorTopic = "/topic/monitor"

func DocenteTopic(docenteID int64) string {
	return "/topic/docente/" + strconv.FormatInt(docenteID, 10)
}

func AlumnoTopic(alumnoID int64) string {
	return "/topic/alumno/" + strconv.FormatInt(alumnoID, 10)
}

type Client struct {
	api gateway.Requester
}

func NewClient(api gateway.Requester) *Client {
	return &Client{api: api}
}

// List returns turns matching the given filters, e.g. docenteId or estado.
func (c *Client) List(ctx context.Context, params url.Values) ([]Turno, error) {
	var turnos []Turno
	if err := c.api.Get(ctx, "/turnos", params, &turnos); err != nil {
		return nil, fmt.Errorf("failed to list turnos: %w", err)
	}
	return turnos, nil
}

// ListByDocente returns every turn of a teacher, in all states.
func (c *Client) ListByDocente(ctx context.Context, docenteID int64) ([]Turno, error) {
	return c.List(ctx, url.Values{"docenteId": {strconv.FormatInt(docenteID, 10)}})
}

// ListMonitor returns the public monitor's turn list.
func (c *Client) ListMonitor(ctx context.Context) ([]Turno, error) {
	var turnos []Turno
	if err := c.api.Get(ctx, "/monitor/turnos", nil, &turnos); err != nil {
		return nil, fmt.Errorf("failed to list monitor turnos: %w", err)
	}
	return turnos, nil
}

func (c *Client) Request(ctx context.Context, s Solicitud) (*Turno, error) {
	var t Turno
	if err := c.api.Post(ctx, "/turnos", s, &t); err != nil {
		return nil, fmt.Errorf("failed to request turno: %w", err)
	}
	return &t, nil
}

func (c *Client) Accept(ctx context.Context, id int64, a Aceptacion) (*Turno, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return c.transition(ctx, id, "aceptar", a)
}

func (c *Client) Start(ctx context.Context, id int64) (*Turno, error) {
	return c.transition(ctx, id, "iniciar", nil)
}

func (c *Client) Finish(ctx context.Context, id int64) (*Turno, error) {
	return c.transition(ctx, id, "finalizar", nil)
}

func (c *Client) Cancel(ctx context.Context, id int64, observaciones string) (*Turno, error) {
	return c.transition(ctx, id, "cancelar", map[string]string{"observaciones": observaciones})
}

func (c *Client) transition(ctx context.Context, id int64, action string, body any) (*Turno, error) {
	var t Turno
	path := fmt.Sprintf("/turnos/%d/%s", id, action)
	if err := c.api.Post(ctx, path, body, &t); err != nil {
		return nil, fmt.Errorf("failed to %s turno %d: %w", action, id, err)
	}
	return &t, nil
}

func (c *Client) ListHorarios(ctx context.Context, docenteID int64) ([]Horario, error) {
	var horarios []Horario
	query := url.Values{"docenteId": {strconv.FormatInt(docenteID, 10)}}
	if err := c.api.Get(ctx, "/horarios", query, &horarios); err != nil {
		return nil, fmt.Errorf("failed to list horarios: %w", err)
	}
	return horarios, nil
}

func (c *Client) CreateHorario(ctx context.Context, h Horario) (*Horario, error) {
	var created Horario
	if err := c.api.Post(ctx, "/horarios", h, &created); err != nil {
		return nil, fmt.Errorf("failed to create horario: %w", err)
	}
	return &created, nil
}

func (c *Client) DeleteHorario(ctx context.Context, id int64) error {
	if err := c.api.Delete(ctx, fmt.Sprintf("/horarios/%d", id), nil); err != nil {
		return fmt.Errorf("failed to delete horario %d: %w", id, err)
	}
	return nil
}

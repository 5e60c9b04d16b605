// Package catalog is the console's client for the academic catalog service:
// divisions, subjects, teacher and student profiles, and enrollments.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/uteq/turnos-console/internal/gateway"
)

type Division struct {
	ID     int64  `json:"id"`
	Nombre string `json:"nombre"`
	Clave  string `json:"clave,omitempty"`
}

type Materia struct {
	ID       int64     `json:"id"`
	Clave    string    `json:"clave"`
	Nombre   string    `json:"nombre"`
	Division *Division `json:"division,omitempty"`
}

func (m Materia) DivisionID() int64 {
	if m.Division == nil {
		return 0
	}
	return m.Division.ID
}

type Docente struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"userId"`
	NoEmpleado string    `json:"noEmpleado"`
	DivisionID int64     `json:"divisionId,omitempty"`
	Division   *Division `json:"division,omitempty"`
	Activo     bool      `json:"activo"`
}

type Alumno struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"userId"`
	NoControl string `json:"noControl"`
	Activo    bool   `json:"activo"`
}

// ProfileIDs links an auth user to its catalog profiles. Zero means none.
type ProfileIDs struct {
	AlumnoID  int64 `json:"alumnoId"`
	DocenteID int64 `json:"docenteId"`
	AdminID   int64 `json:"adminId"`
}

func (p ProfileIDs) Empty() bool {
	return p.AlumnoID == 0 && p.DocenteID == 0 && p.AdminID == 0
}

type Client struct {
	api gateway.Requester
}

func NewClient(api gateway.Requester) *Client {
	return &Client{api: api}
}

func (c *Client) ListDivisiones(ctx context.Context) ([]Division, error) {
	var divisiones []Division
	if err := c.api.Get(ctx, "/divisiones", nil, &divisiones); err != nil {
		return nil, fmt.Errorf("failed to list divisiones: %w", err)
	}
	return divisiones, nil
}

// ListMaterias lists subjects, filtered by division when divisionID isn't 0.
func (c *Client) ListMaterias(ctx context.Context, divisionID int64) ([]Materia, error) {
	var query url.Values
	if divisionID != 0 {
		query = url.Values{"divisionId": {strconv.FormatInt(divisionID, 10)}}
	}
	var materias []Materia
	if err := c.api.Get(ctx, "/materias", query, &materias); err != nil {
		return nil, fmt.Errorf("failed to list materias: %w", err)
	}
	return materias, nil
}

func (c *Client) ListDocentes(ctx context.Context) ([]Docente, error) {
	var docentes []Docente
	if err := c.api.Get(ctx, "/docentes", nil, &docentes); err != nil {
		return nil, fmt.Errorf("failed to list docentes: %w", err)
	}
	return docentes, nil
}

func (c *Client) ListAlumnos(ctx context.Context) ([]Alumno, error) {
	var alumnos []Alumno
	if err := c.api.Get(ctx, "/alumnos", nil, &alumnos); err != nil {
		return nil, fmt.Errorf("failed to list alumnos: %w", err)
	}
	return alumnos, nil
}

// enrollment is either a link row wrapping a subject or the subject itself.
type enrollment struct {
	Materia
	Link *Materia `json:"materia"`
}

// MateriasDeAlumno returns the subjects a student is enrolled in.
func (c *Client) MateriasDeAlumno(ctx context.Context, alumnoID int64) ([]Materia, error) {
	var rows []enrollment
	path := fmt.Sprintf("/alumnos/%d/materias", alumnoID)
	if err := c.api.Get(ctx, path, nil, &rows); err != nil {
		return nil, fmt.Errorf("failed to list materias of alumno %d: %w", alumnoID, err)
	}

	materias := make([]Materia, 0, len(rows))
	for _, row := range rows {
		m := row.Materia
		if row.Link != nil {
			m = *row.Link
		}
		if m.ID != 0 {
			materias = append(materias, m)
		}
	}
	return materias, nil
}

func (c *Client) Inscribir(ctx context.Context, alumnoID, materiaID int64) error {
	path := fmt.Sprintf("/alumnos/%d/inscribir/%d", alumnoID, materiaID)
	if err := c.api.Post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("failed to enroll alumno %d in materia %d: %w", alumnoID, materiaID, err)
	}
	return nil
}

func (c *Client) Desinscribir(ctx context.Context, alumnoID, materiaID int64) error {
	path := fmt.Sprintf("/alumnos/%d/desinscribir/%d", alumnoID, materiaID)
	if err := c.api.Delete(ctx, path, nil); err != nil {
		return fmt.Errorf("failed to unenroll alumno %d from materia %d: %w", alumnoID, materiaID, err)
	}
	return nil
}

// ProfileIDsFor finds the catalog profiles of an auth user. It asks the
// consolidated endpoint first and falls back to filtering the profile lists
// when the service doesn't have it or denies it.
func (c *Client) ProfileIDsFor(ctx context.Context, userID int64) (ProfileIDs, error) {
	if userID <= 0 {
		return ProfileIDs{}, nil
	}

	var ids ProfileIDs
	query := url.Values{"userId": {strconv.FormatInt(userID, 10)}}
	err := c.api.Get(ctx, "/profiles/ids", query, &ids)
	if err == nil && !ids.Empty() {
		return ids, nil
	}
	if err != nil && !fallbackable(err) {
		return ProfileIDs{}, fmt.Errorf("failed to look up profiles of user %d: %w", userID, err)
	}

	ids = ProfileIDs{}
	if alumnos, err := c.ListAlumnos(ctx); err == nil {
		for _, a := range alumnos {
			if a.UserID == userID {
				ids.AlumnoID = a.ID
				break
			}
		}
	}
	if docentes, err := c.ListDocentes(ctx); err == nil {
		for _, d := range docentes {
			if d.UserID == userID {
				ids.DocenteID = d.ID
				break
			}
		}
	}
	return ids, nil
}

// fallbackable reports whether err means the endpoint is missing or closed
// to this user rather than the service being down.
func fallbackable(err error) bool {
	var statusErr *gateway.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.Status {
	case http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

// Package gateway sends requests to the backend services with the session's
// credentials and recovers from expired access tokens.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/uteq/turnos-console/internal/auth"
	"github.com/uteq/turnos-console/internal/httperr"
)

const (
	DefaultTimeout = 15 * time.Second

	RequestIDHeader = "X-Request-ID"
)

// Session is what the gateway needs from the session manager.
type Session interface {
	AccessToken() string
	Renew(ctx context.Context) (string, error)
}

// StatusError is a response with a status code of 400 or more. Err is set
// on a 401 that could not be recovered and holds why the renewal failed.
type StatusError struct {
	Status  int
	Method  string
	URL     string
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed (status: %d): %s: %v", e.Method, e.URL, e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s failed (status: %d): %s", e.Method, e.URL, e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the request was rejected for lack of credentials.
func (e *StatusError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// TransportError is a request that never got a response. These are not
// retried and never trigger a renewal.
type TransportError = httperr.TransportError

type Option func(*Gateway)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// WithDebug logs a trace line for every outgoing request.
func WithDebug(debug bool) Option {
	return func(g *Gateway) { g.debug = debug }
}

// WithBypassPaths replaces the paths whose 401 responses are returned as-is.
func WithBypassPaths(paths ...string) Option {
	return func(g *Gateway) { g.bypass = paths }
}

// Gateway holds the request pipeline shared by every backend client.
type Gateway struct {
	session Session
	timeout time.Duration
	debug   bool
	bypass  []string
}

func New(session Session, opts ...Option) *Gateway {
	g := &Gateway{
		session: session,
		timeout: DefaultTimeout,
		bypass:  []string{auth.LoginPath, auth.RefreshPath},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Client returns a client for one backend service. name only appears in logs.
func (g *Gateway) Client(name, baseURL string) *Client {
	c := &Client{
		gateway: g,
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetTimeout(g.timeout).
		SetHeaders(
			map[string]string{
				"Accept": "application/json",
			},
		).
		OnBeforeRequest(c.attachCredentials)

	return c
}

// Requester is the part of *Client the typed service clients use.
type Requester interface {
	Get(ctx context.Context, path string, query url.Values, result any) error
	Post(ctx context.Context, path string, body, result any) error
	Put(ctx context.Context, path string, body, result any) error
	Delete(ctx context.Context, path string, query url.Values) error
}

// Request describes one call to a backend service.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Result, when set, receives the decoded JSON body of a successful response
	Result any
}

// Response is what came back from a backend service.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client sends requests to one backend service.
type Client struct {
	gateway    *Gateway
	name       string
	baseURL    string
	httpClient *resty.Client
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// attachCredentials runs before every request this client sends.
func (c *Client) attachCredentials(_ *resty.Client, r *resty.Request) error {
	token := c.gateway.session.AccessToken()
	if token != "" {
		r.SetHeader("Authorization", "Bearer "+token)
	} else {
		r.Header.Del("Authorization")
	}
	if r.Header.Get(RequestIDHeader) == "" {
		r.SetHeader(RequestIDHeader, uuid.New().String())
	}

	if c.gateway.debug {
		log.Debug().
			Str("service", c.name).
			Str("method", r.Method).
			Str("url", c.baseURL+r.URL).
			Bool("auth", token != "").
			Msg("sending request")
	}
	return nil
}

// Do sends the request. A 401 caused by an expired access token is recovered
// once: the session is renewed and the request replayed with the new token.
// The caller only sees the replay's outcome.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, req, false)
}

func (c *Client) do(ctx context.Context, req Request, retried bool) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := c.httpClient.NewRequest().SetContext(ctx)
	if req.Query != nil {
		r.SetQueryParamsFromValues(req.Query)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}
	if req.Result != nil {
		r.SetResult(req.Result)
	}

	res, err := r.Execute(method, req.Path)
	if err != nil {
		return nil, &TransportError{
			Method:  method,
			URL:     c.baseURL + req.Path,
			Message: httperr.Generic,
			Err:     err,
		}
	}

	if res.StatusCode() == http.StatusUnauthorized && !retried && !c.gateway.bypassed(req.Path) {
		if err := c.recover(ctx, res); err != nil {
			log.Debug().Err(err).Str("service", c.name).Str("path", req.Path).Msg("could not recover from 401")
			statusErr := c.statusError(method, req.Path, res)
			statusErr.Err = err
			return toResponse(res), statusErr
		}
		return c.do(ctx, req, true)
	}

	if res.IsError() {
		return toResponse(res), c.statusError(method, req.Path, res)
	}
	return toResponse(res), nil
}

// recover makes sure the session holds a newer token than the one the failed
// request carried. If another request already renewed it, there's nothing to do.
func (c *Client) recover(ctx context.Context, res *resty.Response) error {
	used := strings.TrimPrefix(res.Request.Header.Get("Authorization"), "Bearer ")
	if current := c.gateway.session.AccessToken(); current != "" && current != used {
		return nil
	}
	_, err := c.gateway.session.Renew(ctx)
	return err
}

func (g *Gateway) bypassed(path string) bool {
	for _, p := range g.bypass {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func (c *Client) statusError(method, path string, res *resty.Response) *StatusError {
	return &StatusError{
		Status:  res.StatusCode(),
		Method:  method,
		URL:     c.baseURL + path,
		Message: httperr.Message(res.Body(), httperr.Generic),
	}
}

func toResponse(res *resty.Response) *Response {
	return &Response{
		Status: res.StatusCode(),
		Header: res.Header(),
		Body:   res.Body(),
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Result: result})
	return err
}

func (c *Client) Post(ctx context.Context, path string, body, result any) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body, Result: result})
	return err
}

func (c *Client) Put(ctx context.Context, path string, body, result any) error {
	_, err := c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body, Result: result})
	return err
}

func (c *Client) Delete(ctx context.Context, path string, query url.Values) error {
	_, err := c.Do(ctx, Request{Method: http.MethodDelete, Path: path, Query: query})
	return err
}

// ErrorMessage returns the text to show a user for an error from Do.
func ErrorMessage(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Message
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Message
	}
	var authErr *auth.AuthenticationError
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	return httperr.Generic
}

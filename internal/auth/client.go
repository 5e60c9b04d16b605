package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/uteq/turnos-console/internal/httperr"
)

const (
	DefaultBaseURL = "http://localhost:8081"

	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"

	defaultTimeout = 15 * time.Second

	// Shown when the auth service rejects a login without saying why
	genericAuthMessage = "Error de autenticación"
)

var (
	ErrRenewal        = errors.New("session renewal failed")
	ErrNoRefreshToken = fmt.Errorf("%w: no refresh token available", ErrRenewal)
)

// AuthenticationError is returned when the auth service rejects credentials.
// Message is the service's own explanation when it provided one.
type AuthenticationError struct {
	Status  int
	Message string
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

type ClientOpts struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the auth service's login and refresh endpoints. It never
// attaches a bearer token and never retries, so a refresh can't recurse into
// itself through the gateway.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

func NewClient(opts ClientOpts) *Client {
	c := Client{baseURL: DefaultBaseURL}
	if opts.BaseURL != "" {
		c.baseURL = opts.BaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.httpClient = resty.New().
		SetDebug(false).
		SetBaseURL(c.baseURL).
		SetTimeout(timeout).
		SetHeaders(
			map[string]string{
				"Accept":       "application/json",
				"Content-Type": "application/json",
			},
		)

	return &c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// refreshResponse accepts the field names different auth service versions use
// for the new access token.
type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	Access       string `json:"access"`
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

func (r refreshResponse) access() string {
	switch {
	case r.AccessToken != "":
		return r.AccessToken
	case r.Access != "":
		return r.Access
	default:
		return r.Token
	}
}

// Login exchanges email and password for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	result := &TokenPair{}
	res, err := c.httpClient.NewRequest().
		SetContext(ctx).
		SetBody(map[string]string{
			"email":    email,
			"password": password,
		}).
		SetResult(result).
		Post(LoginPath)
	if err != nil {
		return nil, &httperr.TransportError{
			Method:  http.MethodPost,
			URL:     c.baseURL + LoginPath,
			Message: httperr.Generic,
			Err:     err,
		}
	}
	if res.IsError() {
		return nil, &AuthenticationError{
			Status:  res.StatusCode(),
			Message: httperr.Message(res.Body(), genericAuthMessage),
		}
	}
	if result.AccessToken == "" {
		return nil, &AuthenticationError{Status: res.StatusCode(), Message: genericAuthMessage}
	}

	return result, nil
}

// Refresh exchanges a refresh token for a new access token. The returned pair
// has an empty RefreshToken when the service kept the old one.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	result := &refreshResponse{}
	res, err := c.httpClient.NewRequest().
		SetContext(ctx).
		SetBody(map[string]string{"refreshToken": refreshToken}).
		SetResult(result).
		Post(RefreshPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenewal, &httperr.TransportError{
			Method:  http.MethodPost,
			URL:     c.baseURL + RefreshPath,
			Message: httperr.Generic,
			Err:     err,
		})
	}
	if res.IsError() {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRenewal, res.StatusCode(), httperr.Message(res.Body(), http.StatusText(res.StatusCode())))
	}

	access := result.access()
	if access == "" {
		return nil, fmt.Errorf("%w: refresh response carried no access token", ErrRenewal)
	}

	return &TokenPair{AccessToken: access, RefreshToken: result.RefreshToken}, nil
}

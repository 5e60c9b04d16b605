// Package httperr extracts human-readable messages from backend error bodies
// and describes requests that never got a response.
package httperr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Generic is shown when a failed response carries nothing readable.
const Generic = "Ocurrió un error al comunicarse con el servidor"

// Message looks for an explanation in a JSON error body. The services nest it
// differently depending on the framework that produced the error, so data.message,
// data.error, message and error are tried in that order.
func Message(body []byte, fallback string) string {
	if fallback == "" {
		fallback = Generic
	}
	if len(body) == 0 {
		return fallback
	}

	var payload struct {
		Data *struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		} `json:"data"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fallback
	}

	candidates := []string{payload.Message, payload.Error}
	if payload.Data != nil {
		candidates = append([]string{payload.Data.Message, payload.Data.Error}, candidates...)
	}
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}

	return fallback
}

// TransportError is a request that never got a response: connection refused,
// DNS failure, timeout or cancellation. These are not retried.
type TransportError struct {
	Method  string
	URL     string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Method, e.URL, e.Message, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

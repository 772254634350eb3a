package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-200 answer from a model provider.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Type != "" {
		return fmt.Sprintf("%s api error (status %d) [%s]: %s", e.Provider, e.StatusCode, e.Type, msg)
	}
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, msg)
}

func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Temporary reports whether another model or key may succeed.
func (e *APIError) Temporary() bool {
	return e.RateLimited() || e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500
}

// AsAPIError unwraps err to an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

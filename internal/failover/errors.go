package failover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/opentalon/evolve/internal/provider"
)

func IsRateLimitError(err error) bool {
	ae, ok := provider.AsAPIError(err)
	return ok && ae.RateLimited()
}

func IsAuthError(err error) bool {
	ae, ok := provider.AsAPIError(err)
	return ok && ae.Unauthorized()
}

// IsRetryable reports whether a fallback model may succeed where this call
// failed: rate limits, auth failures, 5xx and network errors. Caller
// cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if ae, ok := provider.AsAPIError(err); ok {
		return ae.Temporary() || ae.Unauthorized()
	}
	var ne net.Error
	return errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded)
}

// AllExhaustedError is returned when every model in the chain failed.
type AllExhaustedError struct {
	Attempted []string
	Last      error
}

func (e *AllExhaustedError) Error() string {
	msg := fmt.Sprintf("all models exhausted, attempted: %s", strings.Join(e.Attempted, ", "))
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *AllExhaustedError) Unwrap() error { return e.Last }

package n8n

import (
	"errors"
	"fmt"
)

// RemoteError is a non-2xx answer from the platform. Status and body are
// preserved verbatim.
type RemoteError struct {
	Operation  string
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("n8n %s: %s %s returned status %d: %s", e.Operation, e.Method, e.URL, e.StatusCode, e.Body)
}

// StatusCode returns the platform status carried by err, or 0 when err is
// not a RemoteError.
func StatusCode(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

package daemon

import (
	"errors"
	"fmt"
	"net/url"
)

// ErrClosed is delivered to requests made after, or pending during, Close.
var ErrClosed = errors.New("connection daemon closed")

// ConnectError is the outcome of a connect cycle that ran out of attempts.
type ConnectError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// redactURL hides passwords in URL-shaped targets. Anything else (file
// paths, bare host:port) is returned unchanged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.User == nil {
		return raw
	}
	return u.Redacted()
}

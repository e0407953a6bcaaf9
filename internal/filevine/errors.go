package filevine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. A *RequestError unwraps to exactly one of these.
var (
	ErrAuth              = errors.New("authentication failed")
	ErrRateLimited       = errors.New("rate limited")
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrNotFound          = errors.New("not found")
	ErrRequest           = errors.New("request rejected")
)

// RequestError describes a failed call against the remote API. StatusCode
// is 0 when no response was received.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Kind       error
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %v: %v", e.Method, e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: server returned %d", e.Method, e.URL, e.StatusCode)
}

func (e *RequestError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// kindForStatus maps a terminal status code to its error kind.
func kindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return ErrRemoteUnavailable
	case code == http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrRequest
	}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// IsTransient reports whether err is worth retrying at a higher level.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRemoteUnavailable)
}

// redact drops the query string, which for download links carries a
// signature.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}

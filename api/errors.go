package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks failures where no HTTP response was received at all.
	// Transport errors returned by Do wrap it, so callers can distinguish
	// "the backend said no" from "the backend never answered".
	ErrNetwork = errors.New("network error")

	// ErrAuth is returned for writes attempted without a valid session and
	// for 401 responses. Fatal: no fallback variant is tried after it.
	ErrAuth = errors.New("authentication required")

	// ErrPermission is returned for 403 responses. Fatal like ErrAuth.
	ErrPermission = errors.New("not allowed")

	// ErrNotFound is returned when every variant failed and no cached copy
	// exists to degrade to.
	ErrNotFound = errors.New("not found")
)

// StatusError is returned when the backend answered with a non-2xx status.
type StatusError struct {
	Code   int
	Method string
	Path   string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// StatusCode extracts the HTTP status from err, or 0 when err is not a
// StatusError (e.g. a network failure).
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

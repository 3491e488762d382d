package errors

import (
	"errors"
	"net/http"
)

// Client errors.
var (
	ErrUnknownAPI    = errors.New("unknown API")
	ErrBadRequest    = errors.New("bad request")
	ErrNotAuthorized = errors.New("session not authorized for API")
)

// Server/transport errors.
var (
	ErrNegotiation   = errors.New("authorization negotiation failed")
	ErrUpstreamCall  = errors.New("upstream call failed")
	ErrConfiguration = errors.New("API descriptor misconfigured")
)

// HTTPError carries the status the inbound handler should answer with and,
// when known, the upstream status that caused it.
type HTTPError struct {
	Status   int
	Upstream int
	Err      error
}

func (e *HTTPError) Error() string { return e.Err.Error() }
func (e *HTTPError) Unwrap() error { return e.Err }

// StatusOf maps an error onto the status code returned to the caller.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) && he.Status != 0 {
		return he.Status
	}

	switch {
	case errors.Is(err, ErrUnknownAPI), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUpstreamCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UpstreamStatusOf returns the upstream status code attached to err, or 0.
func UpstreamStatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Upstream
	}

	return 0
}

package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/fhircache/internal/platform/fhir"
)

// Sentinel errors for classification. Use errors.Is(err, remote.ErrNotFound).
var (
	ErrBadRequest    = errors.New("remote: bad request")
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrForbidden     = errors.New("remote: forbidden")
	ErrNotFound      = errors.New("remote: not found")
	ErrConflict      = errors.New("remote: conflict")
	ErrGone          = errors.New("remote: resource gone")
	ErrUnprocessable = errors.New("remote: unprocessable entity")
	ErrThrottled     = errors.New("remote: throttled")
	ErrServerError   = errors.New("remote: server error")
	ErrUnexpected    = errors.New("remote: unexpected status")

	// ErrUnavailable means the server could not be reached at all.
	ErrUnavailable = errors.New("remote: unavailable")
	// ErrTimeout means a single request exceeded the configured timeout.
	ErrTimeout = errors.New("remote: timeout")
	// ErrMalformed means a 2xx response body could not be understood.
	ErrMalformed = errors.New("remote: malformed response")
	// ErrForeignLink is returned for a next-page link pointing at another host.
	ErrForeignLink = errors.New("remote: paging link leaves the configured server")
)

// Error is a failed remote call. Err is the sentinel; Cause, when set, is the
// underlying transport error. Outcome is the server's OperationOutcome when
// the error body carried one, so it can be handed back to callers verbatim.
type Error struct {
	Method     string
	Path       string
	StatusCode int
	Outcome    *fhir.OperationOutcome
	Message    string
	Err        error
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote: %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("remote: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

// classifyStatus maps an HTTP status to a sentinel. Returns nil for 2xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusUnprocessableEntity:
		return ErrUnprocessable
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= 200 && code < 300 {
			return nil
		}
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		return ErrUnexpected
	}
}

// isRetryable reports whether a status is worth retrying for a GET.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Package apierr defines the typed error taxonomy every engine package
// returns, and the HTTP status each kind maps to at the transport boundary
// (spec.md §7). Callers use errors.As to recover a *Error and read its Kind
// rather than matching on error strings.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the purpose of choosing an HTTP status code
// and a retry/recovery strategy.
type Kind string

const (
	BadRequest   Kind = "bad_request"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Timeout      Kind = "timeout"
	DockerError  Kind = "docker_error"
	Iptables     Kind = "iptables_error"
	Internal     Kind = "internal"
)

// Error is the concrete error type every engine package wraps domain
// failures in. Message is always a controlled, client-safe string; the
// wrapped Err (if any) may carry unexported details for logging only and
// is never rendered to an HTTP client directly.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause, keeping
// cause's detail available to errors.Is/As chains and to log lines while
// Message stays the client-facing string.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// HTTPStatus returns the status code spec.md §7 assigns to err's Kind. A
// plain (non-*Error) err maps to 500, matching the "unexpected" case.
func HTTPStatus(err error) int {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case DockerError, Iptables, Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// sentinels for conditions multiple packages need to test for with
// errors.Is, mirroring the teacher's db.ErrRecordNotFound pattern.
var (
	ErrPortDuplicate         = New(Conflict, "port already exists in pool")
	ErrPortNotFound          = New(NotFound, "port not found in pool")
	ErrPortInUse             = New(Conflict, "port already in use")
	ErrPoolEmpty             = New(NotFound, "no free port matching filter")
	ErrRecordNotFound        = New(NotFound, "container record not found")
	ErrStoreBusy             = New(Timeout, "store lock acquisition timed out")
	ErrInstallConflict       = New(Conflict, "an install or runtime transition is already in flight for this container")
	ErrRebindWhileInstalling = New(Conflict, "rebind rejected while install is in flight")
	ErrMissingToken          = New(Unauthorized, "missing or invalid token")
	ErrMissingVendorHeader   = New(Forbidden, "missing or invalid Accept header")
	ErrPathEscape            = New(BadRequest, "path escapes volume root")
)

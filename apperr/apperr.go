// Package apperr defines the error kinds surfaced by the query and sync
// planes. Transports map Kind to their own status codes; the values here
// follow the conventional HTTP numbering so that mapping is a no-op.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	Forbidden
	NotFound
	Conflict
	RateLimited
	BadGateway
	GatewayTimeout
)

func (k Kind) Status() int {
	switch k {
	case BadRequest:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case RateLimited:
		return 429
	case BadGateway:
		return 502
	case GatewayTimeout:
		return 504
	default:
		return 500
	}
}

func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case Forbidden:
		return "forbidden"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limited"
	case BadGateway:
		return "bad_gateway"
	case GatewayTimeout:
		return "gateway_timeout"
	default:
		return "internal"
	}
}

// Error is the body-shaped error: {code, message}, plus a Retry-After hint
// for rate-limited rejections.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter int // seconds; only meaningful for RateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf reports the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// StatusOf is shorthand for KindOf(err).Status().
func StatusOf(err error) int { return KindOf(err).Status() }

// RetryAfterOf returns the Retry-After hint in seconds, or 0.
func RetryAfterOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

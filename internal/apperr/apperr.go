// Package apperr defines the five-kind error taxonomy shared by every
// handler in the messaging core. Each kind maps to exactly one HTTP
// status; anything that isn't an *Error defaults to 500.
package apperr

import "net/http"

type Kind int

const (
	Internal Kind = iota
	BadRequest
	Unauthorized
	Forbidden
	NotFound
)

// Error is a typed application error carrying its own HTTP status and a
// client-safe message. Internal errors never leak their cause to the
// client; log the wrapped error server-side before returning one.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Status returns the HTTP status this error's Kind maps to.
func (e *Error) Status() int {
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func BadRequestf(message string) *Error { return New(BadRequest, message) }
func Unauthorizedf(message string) *Error { return New(Unauthorized, message) }
func Forbiddenf(message string) *Error { return New(Forbidden, message) }
func NotFoundf(message string) *Error { return New(NotFound, message) }
func Internalf(message string, cause error) *Error { return Wrap(Internal, message, cause) }

// DeviceListMismatch is the specific BadRequest the Envelope Validator
// raises when an envelope's device targets don't match the recipient's
// current approved set.
func DeviceListMismatch() *Error {
	return New(BadRequest, "device_list_mismatch")
}

// As reports whether err is an *Error, for handlers that need to
// type-switch on Kind rather than just read Status()/Error().
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}

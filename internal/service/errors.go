package service

import (
	"errors"
	"net/http"
)

// Kind classifies a service failure.  Handlers translate kinds to HTTP
// status codes with Kind.Status.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindUnauthorized      Kind = "unauthorized"
	KindUnavailable       Kind = "unavailable"
	KindSlotTaken         Kind = "slot_taken"
	KindConflict          Kind = "conflict"
	KindCrisis            Kind = "crisis"
	KindPaymentIncomplete Kind = "payment_incomplete"
	KindUpstream          Kind = "upstream"
	KindNotFound          Kind = "not_found"
	KindConfig            Kind = "config"
	KindInternal          Kind = "internal"
)

// Status maps the kind to its HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation, KindUnavailable:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindSlotTaken, KindConflict:
		return http.StatusConflict
	case KindCrisis:
		return http.StatusForbidden
	case KindPaymentIncomplete:
		return http.StatusPaymentRequired
	case KindUpstream:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by every service operation.  Message is safe to show
// to the caller; Err carries the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Message string
	// RedirectURL is set for KindCrisis.
	RedirectURL string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func internalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// KindOf returns the kind of err, or KindInternal for errors that did not
// come from this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

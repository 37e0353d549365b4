// Package apperr classifies domain errors so transport layers can map them
// to responses without knowing every sentinel.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown    Kind = iota
	KindValidation      // Bad input; never retried
	KindNotFound        // Referenced entity does not exist
	KindConflict        // Concurrent modification or business-state conflict; retryable
	KindInvariant       // A money or state invariant would be broken
	KindUpstream        // A collaborator is unavailable
	KindFatal           // Storage failure or bug
)

// String returns the kind name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvariant:
		return "invariant"
	case KindUpstream:
		return "upstream"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified sentinel. Code is the stable machine-readable
// identifier returned to API clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// New creates a classified sentinel error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// CodeOf returns the API code of err, or "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvariant:
		return http.StatusUnprocessableEntity
	case KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

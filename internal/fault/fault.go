// Package fault defines the typed error values returned by the core.
//
// Every rejected operation returns an *Error (possibly wrapped with detail via
// fmt.Errorf("%w: ...")). The Code is stable and safe to show to clients; the
// Kind drives HTTP status mapping.
package fault

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal   Kind = iota
	KindValidation      // out-of-range input, malformed payload
	KindPermission      // caller lacks the required role
	KindState           // operation not allowed in the current state
	KindNotFound
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a classified failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same code, so sentinels compare equal even
// when reconstructed.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Validation creates a validation error.
func Validation(code, msg string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg}
}

// Permission creates a permission error.
func Permission(code, msg string) *Error {
	return &Error{Kind: KindPermission, Code: code, Message: msg}
}

// State creates a state error.
func State(code, msg string) *Error {
	return &Error{Kind: KindState, Code: code, Message: msg}
}

// NotFound creates a not-found error.
func NotFound(code, msg string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: msg}
}

// ErrForbidden is shared by every permissioned operation.
var ErrForbidden = Permission("forbidden", "caller lacks the required role")

// From extracts the *Error in err's chain, if any.
func From(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if fe, ok := From(err); ok {
		return fe.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err, "internal_error" for unclassified errors.
func CodeOf(err error) string {
	if fe, ok := From(err); ok {
		return fe.Code
	}
	return "internal_error"
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindState:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

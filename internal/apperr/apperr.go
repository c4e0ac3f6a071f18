// Package apperr defines the error taxonomy shared by the CRUD engine and
// translates storage-engine faults into status/message pairs.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation Kind = "validation"
	KindForbidden  Kind = "forbidden"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindEngine     Kind = "engine"
)

// Error is a typed error carrying an HTTP status. Validation and
// authorization errors are created at the point of detection and propagate
// unchanged; engine faults are produced by Translate at the execution
// boundary.
type Error struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Validationf creates a 400 validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf creates a 403 authorization error.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf creates a 404 error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf creates a 409 error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// As unwraps err into an *Error when possible.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	appErr, ok := As(err)
	return ok && appErr.Kind == kind
}

package protocol

import (
	"errors"

	"worth/internal/models"
)

// Code is an HTTP-like return code.
type Code int

const (
	StatusOK              Code = 200
	StatusCreated         Code = 201
	StatusAlreadyInState  Code = 300
	StatusMalformed       Code = 400
	StatusUnauthorized    Code = 401
	StatusForbidden       Code = 403
	StatusNotFound        Code = 404
	StatusMoveForbidden   Code = 405
	StatusConflict        Code = 409
	StatusInternalFailure Code = 500
)

// OK reports whether c is a success code.
func (c Code) OK() bool {
	return c == StatusOK || c == StatusCreated
}

// CodeOf maps an error returned by a handler to its return code. Errors
// outside the taxonomy are internal failures.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrMalformed), errors.Is(err, models.ErrInvalid):
		return StatusMalformed
	case errors.Is(err, models.ErrAlreadyOffline):
		return StatusAlreadyInState
	case errors.Is(err, models.ErrUnauthenticated),
		errors.Is(err, models.ErrAlreadyOnline),
		errors.Is(err, models.ErrNotMember):
		return StatusUnauthorized
	case errors.Is(err, models.ErrUnfinishedWork):
		return StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, models.ErrMoveForbidden):
		return StatusMoveForbidden
	case errors.Is(err, models.ErrConflict):
		return StatusConflict
	default:
		return StatusInternalFailure
	}
}

package api

import (
	"errors"

	"github.com/samcharles93/qconv/internal/geometry"
	"github.com/samcharles93/qconv/internal/tensorio"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// asInvalidRequest marks geometry and shape errors as the caller's fault.
func asInvalidRequest(err error) error {
	if errors.Is(err, geometry.ErrInvalidGeometry) || errors.Is(err, tensorio.ErrShapeMismatch) {
		return newInvalidRequest(err.Error())
	}
	return err
}

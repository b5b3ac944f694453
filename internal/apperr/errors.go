// README: Error taxonomy shared by modules and mapped to transport status codes.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("state conflict")
	ErrBusy           = errors.New("resource busy")
	ErrInfrastructure = errors.New("infrastructure failure")
	ErrBadRequest     = errors.New("bad request")
	ErrForbidden      = errors.New("forbidden")
)

// Infra tags err as an infrastructure failure of op. A nil err stays nil.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

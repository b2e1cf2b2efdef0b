package domain

import "errors"

// Lifecycle errors. Callers match them with errors.Is; the HTTP layer maps each one
// to its own status code.
var (
	ErrNotFound               = errors.New("recurring donation not found")
	ErrUnauthorized           = errors.New("actor is not allowed to access this recurring donation")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrUnsupportedInterval    = errors.New("unsupported interval type")
	ErrConcurrentModification = errors.New("recurring donation was modified concurrently")
	ErrValidation             = errors.New("invalid recurring donation")
	ErrDonorNotFound          = errors.New("donor not found")
)

package store

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers match with errors.Is; the
// wrapped message carries the detail.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("unavailable")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Unavailable wraps a backend failure so it matches ErrUnavailable while
// keeping the original cause reachable through errors.Unwrap chains.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

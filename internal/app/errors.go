package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"threadmod/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// toDomainError maps the store error taxonomy onto HTTP semantics.
func toDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	switch {
	case errors.Is(err, store.ErrValidation):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", detail(err, store.ErrValidation), nil), true
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", detail(err, store.ErrNotFound), nil), true
	case errors.Is(err, store.ErrInvalidTransition):
		return domainError(http.StatusConflict, "INVALID_STATE_TRANSITION", detail(err, store.ErrInvalidTransition), nil), true
	case errors.Is(err, store.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", detail(err, store.ErrConflict), nil), true
	case errors.Is(err, store.ErrUnavailable):
		// the cause may carry connection details; keep it in the logs only
		return domainError(http.StatusServiceUnavailable, "UNAVAILABLE", "Record store unavailable", nil), true
	}
	return nil, false
}

// detail strips the sentinel prefix so clients see only the specific message.
func detail(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}

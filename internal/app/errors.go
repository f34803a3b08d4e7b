package app

import (
	"errors"
	"fmt"
	"net/http"

	"salesdesk/api/internal/store"
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

// FieldError is one entry of a VALIDATION_FAILED response.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func notFound(resource string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", resource+" not found", nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func validationFailed(fields []FieldError) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Validation failed", fields)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func unauthorized(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", message, nil)
}

// storeError turns persistence sentinels into the taxonomy clients see. referenceField names
// the input field blamed for a foreign-key violation.
func storeError(err error, resource, referenceField string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return notFound(resource)
	case errors.Is(err, store.ErrInvalidReference):
		return validationFailed([]FieldError{{Field: referenceField, Message: "Referenced record does not exist"}})
	case errors.Is(err, store.ErrConflict):
		return conflict(resource + " already exists")
	default:
		return err
	}
}

package app

import (
	"errors"
	"fmt"
	"net/http"

	"collab/api/internal/session"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// sessionError translates issuer failures into API errors. Unknown errors
// pass through and surface as 500.
func sessionError(err error) error {
	var wrapped *DomainError
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		wrapped = domainError(http.StatusBadRequest, "VALIDATION_ERROR", "roomId and fieldName are required and initialValue must be a block list", nil)
	case errors.Is(err, session.ErrCollaborationDisabled):
		wrapped = domainError(http.StatusForbidden, "COLLABORATION_DISABLED", "Collaboration is disabled", map[string]any{"reason": "collaboration-disabled"})
	case errors.Is(err, session.ErrPermissionRequired):
		wrapped = domainError(http.StatusForbidden, "PERMISSION_REQUIRED", "Permission required", map[string]any{"reason": "permission-required"})
	default:
		return err
	}
	wrapped.Err = err
	return wrapped
}

package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/changeset-api/internal/entity"
	"github.com/noah-isme/changeset-api/internal/models"
)

var (
	// ErrNotFound indicates the change set, conflict or entity does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidState indicates the operation is not allowed in the current status.
	ErrInvalidState = errors.New("invalid change set state")
	// ErrUnknownEntityType indicates the entity type is not registered.
	ErrUnknownEntityType = entity.ErrUnknownType
)

// ConflictError reports conflicts that must be resolved before the change may apply.
type ConflictError struct {
	Conflicts []models.ChangeConflict `json:"conflicts"`
	Current   map[string]interface{}  `json:"current"`
	Incoming  map[string]interface{}  `json:"incoming"`
}

func (e *ConflictError) Error() string {
	types := make([]string, 0, len(e.Conflicts))
	for _, conflict := range e.Conflicts {
		types = append(types, string(conflict.ConflictType))
	}
	return fmt.Sprintf("change conflicts with current state: %s", strings.Join(types, ", "))
}

// ValidationError lists the fields that failed validation. Nothing is written.
type ValidationError struct {
	Errors []entity.FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fieldErr := range e.Errors {
		parts = append(parts, fieldErr.Field+": "+fieldErr.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/auth"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized

	case store.IsNotFoundError(err):
		return http.StatusNotFound

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrTaskTypeEmpty),
		errors.Is(err, domain.ErrTaskProjectIDEmpty):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-facing message for the error.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid):
		return "Invalid token"

	case errors.Is(err, domain.ErrUnauthorized):
		return "Unauthorized"

	case errors.Is(err, store.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, store.ErrEventNotFound):
		return "Event not found"

	case store.IsNotFoundError(err):
		return "Not found"

	case errors.Is(err, store.ErrDuplicate):
		return "Already exists"

	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrTaskTypeEmpty),
		errors.Is(err, domain.ErrTaskProjectIDEmpty):
		return "Invalid request data"

	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID format"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the JSON error response for err, using
// messageOverride as the client-visible message when non-empty.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, messageOverride string) {
	status := MapErrorToStatusCode(err)
	message := messageOverride
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, status, message, err)
}

// SanitizeValidationError turns a validator error into a user-friendly
// message without echoing submitted values back.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()
	if !strings.Contains(errMsg, "Field validation") {
		return "Validation error"
	}

	// "Key: 'CreateTaskRequest.Type' Error:Field validation for 'Type'
	// failed on the 'required' tag"
	parts := strings.Split(errMsg, "Error:")
	if len(parts) < 2 {
		return "Validation error"
	}
	fieldParts := strings.Split(parts[1], "'")
	if len(fieldParts) < 3 {
		return "Validation error"
	}
	field := fieldParts[1]
	if len(fieldParts) >= 5 {
		return fmt.Sprintf("Invalid %s: %s", field, validationTagMessage(fieldParts[3]))
	}
	return fmt.Sprintf("Invalid %s", field)
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too short"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	case "gt", "gte", "lt", "lte":
		return "out of range"
	default:
		return "validation failed"
	}
}

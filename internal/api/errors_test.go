package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/storyloom/storyloom-api/internal/auth"
	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/store"
)

func TestMapErrorToStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{auth.ErrInvalidToken, http.StatusUnauthorized},
		{auth.ErrExpiredToken, http.StatusUnauthorized},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{store.ErrTaskNotFound, http.StatusNotFound},
		{fmt.Errorf("lookup: %w", store.ErrTaskNotFound), http.StatusNotFound},
		{store.ErrDuplicate, http.StatusConflict},
		{store.ErrInvalidEntity, http.StatusBadRequest},
		{domain.ErrTaskTypeEmpty, http.StatusBadRequest},
		{domain.ErrInvalidID, http.StatusBadRequest},
		{errors.New("something else"), http.StatusInternalServerError},
		{nil, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, MapErrorToStatusCode(tc.err), "error: %v", tc.err)
	}
}

func TestGetSafeErrorMessage(t *testing.T) {
	assert.Equal(t, "Task not found", GetSafeErrorMessage(store.ErrTaskNotFound))
	assert.Equal(t, "Invalid token", GetSafeErrorMessage(auth.ErrExpiredToken))
	assert.Equal(t, "Invalid request data", GetSafeErrorMessage(store.ErrInvalidEntity))
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(nil))

	// Internal detail never leaks through the safe message.
	leaky := errors.New("pq: connect to postgres://admin:hunter2@db failed")
	assert.Equal(t, "An unexpected error occurred", GetSafeErrorMessage(leaky))
}

func TestSanitizeValidationError(t *testing.T) {
	err := errors.New("Key: 'CreateTaskRequest.Type' Error:Field validation for 'Type' failed on the 'required' tag")
	assert.Equal(t, "Invalid Type: required field", SanitizeValidationError(err))

	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("boom")))
}

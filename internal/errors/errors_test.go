package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("Error returns formatted string", func(t *testing.T) {
		err := New(ErrCodeNotFound, "Room not found")
		assert.Equal(t, "NOT_FOUND: Room not found", err.Error())
	})

	t.Run("Error with cause includes cause", func(t *testing.T) {
		cause := errors.New("database connection failed")
		err := Wrap(ErrCodeDatabase, "Database error", cause)
		assert.Contains(t, err.Error(), "DATABASE_ERROR")
		assert.Contains(t, err.Error(), "Database error")
		assert.Contains(t, err.Error(), "database connection failed")
	})

	t.Run("WithCause adds cause to error", func(t *testing.T) {
		cause := errors.New("original error")
		err := New(ErrCodeInternal, "Something went wrong").WithCause(cause)
		assert.Equal(t, cause, err.Unwrap())
	})

	t.Run("WithDetails adds details to error", func(t *testing.T) {
		details := map[string]string{"field": "pose", "reason": "unknown pose"}
		err := New(ErrCodeValidation, "Validation failed").WithDetails(details)
		assert.Equal(t, details, err.Details)
	})
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name         string
		constructor  func() *AppError
		expectedCode ErrorCode
	}{
		{"Unauthorized", func() *AppError { return Unauthorized("test") }, ErrCodeUnauthorized},
		{"InvalidToken", func() *AppError { return InvalidToken("test") }, ErrCodeInvalidToken},
		{"AlreadyInRoom", func() *AppError { return AlreadyInRoom("user-a") }, ErrCodeAlreadyInRoom},
		{"Forbidden", func() *AppError { return Forbidden("test") }, ErrCodeForbidden},
		{"StaleEvent", func() *AppError { return StaleEvent("test") }, ErrCodeStaleEvent},
		{"InvalidState", func() *AppError { return InvalidState("accept", "idle") }, ErrCodeInvalidState},
		{"ConnectionLost", func() *AppError { return ConnectionLost("analysis", nil) }, ErrCodeConnectionLost},
		{"NotFound", func() *AppError { return NotFound("Room") }, ErrCodeNotFound},
		{"Conflict", func() *AppError { return Conflict("test") }, ErrCodeConflict},
		{"ValidationError", func() *AppError { return ValidationError("test") }, ErrCodeValidation},
		{"InvalidInput", func() *AppError { return InvalidInput("pose", "unknown") }, ErrCodeInvalidInput},
		{"MissingRequired", func() *AppError { return MissingRequired("targetId") }, ErrCodeMissingRequired},
		{"RateLimited", func() *AppError { return RateLimited("test") }, ErrCodeRateLimited},
		{"Internal", func() *AppError { return Internal("test") }, ErrCodeInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.constructor()
			assert.Equal(t, tc.expectedCode, err.Code)
			assert.NotEmpty(t, err.Message)
		})
	}
}

func TestDatabase(t *testing.T) {
	t.Run("wraps database error", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Database(cause)
		assert.Equal(t, ErrCodeDatabase, err.Code)
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestExternal(t *testing.T) {
	t.Run("wraps external service error", func(t *testing.T) {
		cause := errors.New("timeout")
		err := External("pose analysis", cause)
		assert.Equal(t, ErrCodeExternal, err.Code)
		assert.Contains(t, err.Message, "pose analysis")
		assert.Equal(t, cause, err.Unwrap())
	})
}

func TestAsAppError(t *testing.T) {
	t.Run("extracts AppError", func(t *testing.T) {
		original := New(ErrCodeNotFound, "Room not found")
		extracted, ok := AsAppError(original)
		assert.True(t, ok)
		assert.Equal(t, original, extracted)
	})

	t.Run("returns false for non-AppError", func(t *testing.T) {
		err := errors.New("standard error")
		extracted, ok := AsAppError(err)
		assert.False(t, ok)
		assert.Nil(t, extracted)
	})
}

func TestGetCode(t *testing.T) {
	t.Run("returns code for AppError", func(t *testing.T) {
		err := New(ErrCodeNotFound, "test")
		assert.Equal(t, ErrCodeNotFound, GetCode(err))
	})

	t.Run("returns ErrCodeInternal for standard error", func(t *testing.T) {
		err := errors.New("standard error")
		assert.Equal(t, ErrCodeInternal, GetCode(err))
	})
}

func TestNotFoundMessage(t *testing.T) {
	t.Run("formats resource name correctly", func(t *testing.T) {
		err := NotFound("Room")
		assert.Equal(t, "Room not found", err.Message)

		err = NotFound("Notification")
		assert.Equal(t, "Notification not found", err.Message)
	})
}

func TestMissingRequiredMessage(t *testing.T) {
	t.Run("formats field name correctly", func(t *testing.T) {
		err := MissingRequired("targetId")
		assert.Equal(t, "targetId is required", err.Message)

		err = MissingRequired("pose")
		assert.Equal(t, "pose is required", err.Message)
	})
}

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped AppError", func(t *testing.T) {
		err := fmt.Errorf("accept room: %w", NotFound("Room"))
		assert.True(t, IsNotFound(err))
		assert.True(t, HasCode(err, ErrCodeNotFound))
		assert.False(t, HasCode(err, ErrCodeForbidden))
	})

	t.Run("returns false for nil and plain errors", func(t *testing.T) {
		assert.False(t, HasCode(nil, ErrCodeNotFound))
		assert.False(t, IsNotFound(errors.New("boom")))
	})
}

func TestIsBlockedAction(t *testing.T) {
	assert.True(t, IsBlockedAction(AlreadyInRoom("u1")))
	assert.True(t, IsBlockedAction(Forbidden("host only")))
	assert.True(t, IsBlockedAction(InvalidInput("pose", "unknown")))
	assert.False(t, IsBlockedAction(Database(errors.New("down"))))
	assert.False(t, IsBlockedAction(ConnectionLost("relay", nil)))
	assert.False(t, IsBlockedAction(errors.New("plain")))
}

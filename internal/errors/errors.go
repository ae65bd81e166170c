package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Identity
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"

	// Session protocol
	ErrCodeAlreadyInRoom  ErrorCode = "ALREADY_IN_ROOM"
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrCodeStaleEvent     ErrorCode = "STALE_EVENT"
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeConnectionLost ErrorCode = "CONNECTION_LOST"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeConflict    ErrorCode = "CONFLICT"
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func InvalidToken(message string) *AppError {
	return New(ErrCodeInvalidToken, message)
}

func AlreadyInRoom(userID string) *AppError {
	return New(ErrCodeAlreadyInRoom, "User is already in a room").
		WithDetails(map[string]string{"userId": userID})
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func StaleEvent(message string) *AppError {
	return New(ErrCodeStaleEvent, message)
}

func InvalidState(action string, state any) *AppError {
	return New(ErrCodeInvalidState, fmt.Sprintf("Cannot %s in state %v", action, state))
}

func ConnectionLost(transport string, cause error) *AppError {
	return Wrap(ErrCodeConnectionLost, fmt.Sprintf("%s connection lost", transport), cause)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

func RateLimited(message string) *AppError {
	return New(ErrCodeRateLimited, message)
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsBlockedAction reports errors that reject a user action without
// affecting the session: they are shown inline, never escalated.
func IsBlockedAction(err error) bool {
	switch GetCode(err) {
	case ErrCodeAlreadyInRoom, ErrCodeForbidden, ErrCodeInvalidState,
		ErrCodeInvalidInput, ErrCodeMissingRequired, ErrCodeValidation, ErrCodeConflict:
		return true
	}
	return false
}

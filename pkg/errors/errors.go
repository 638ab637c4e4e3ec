package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeProtocol     ErrorCode = "PROTOCOL_ERROR"
	ErrCodeTransport    ErrorCode = "TRANSPORT_ERROR"
	ErrCodeNegotiation  ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeResource     ErrorCode = "RESOURCE_UNAVAILABLE"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context.
// Status doubles as the HTTP status on the REST surface and as the
// numeric code carried by relay and extension error frames.
type AppError struct {
	Code    ErrorCode
	Message string
	Status  int
	Cause   error
	Context map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Cause:   err,
		Context: make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewProtocolError(message string) *AppError {
	return NewAppError(ErrCodeProtocol, message, http.StatusBadRequest)
}

func NewTransportError(err error, message string) *AppError {
	return WrapError(err, ErrCodeTransport, message, http.StatusServiceUnavailable)
}

func NewNegotiationError(err error, message string) *AppError {
	return WrapError(err, ErrCodeNegotiation, message, http.StatusConflict)
}

func NewResourceError(err error, message string) *AppError {
	return WrapError(err, ErrCodeResource, message, http.StatusServiceUnavailable)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromStatus rebuilds an AppError from a numeric code received over the wire.
func FromStatus(status int, message string) *AppError {
	code := ErrCodeInternal
	switch status {
	case http.StatusBadRequest:
		code = ErrCodeInvalidInput
	case http.StatusUnauthorized:
		code = ErrCodeUnauthorized
	case http.StatusNotFound:
		code = ErrCodeNotFound
	case http.StatusConflict:
		code = ErrCodeConflict
	case http.StatusTooManyRequests:
		code = ErrCodeRateLimit
	}
	return NewAppError(code, message, status)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// StatusOf returns the status carried by err, or 500 for foreign errors.
func StatusOf(err error) int {
	if appErr := GetAppError(err); appErr != nil && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeSession         ErrorType = "session"
	ErrorTypeInvalidResponse ErrorType = "invalid_response"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Error represents an API error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	// Raw holds the unparsed response payload for invalid_response errors
	Raw string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

// NewSessionError reports an invalid or expired session. Session errors are
// never retried and abort the whole run, since every later call fails the same.
func NewSessionError(msg string) *Error {
	return &Error{Type: ErrorTypeSession, Message: msg}
}

// NewInvalidResponse reports an unexpected API response shape, keeping the
// raw payload for diagnosis.
func NewInvalidResponse(msg, raw string) *Error {
	return &Error{Type: ErrorTypeInvalidResponse, Message: msg, Raw: raw}
}

// IsSession reports whether err is or wraps a fatal session error.
func IsSession(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == ErrorTypeSession
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError:
		return true
	case ErrorTypeSession, ErrorTypeNotFound, ErrorTypeInvalidResponse:
		return false
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	case 500, 502, 503, 504: // Server errors
		return true
	case 401, 403, 404: // Client errors that won't change
		return false
	default:
		return statusCode >= 500 // Retry all 5xx errors
	}
}

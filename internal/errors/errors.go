// Package errors provides standardized error handling for the signal service.
// Every failure that reaches a caller is an *Error carrying a code, a message
// and the HTTP status the code maps to.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the signal service.
type ErrorCode string

const (
	// Validation errors
	SIGNAL_VALIDATION  ErrorCode = "SIGNAL_VALIDATION"  // Malformed or missing report fields
	SIGNAL_BAD_REQUEST ErrorCode = "SIGNAL_BAD_REQUEST" // Unparseable request
	SIGNAL_MEDIA_SIZE  ErrorCode = "SIGNAL_MEDIA_SIZE"  // Image larger than the configured limit
	SIGNAL_MEDIA_TYPE  ErrorCode = "SIGNAL_MEDIA_TYPE"  // Image type not in the allow-list

	// Authentication errors
	SIGNAL_AUTHN         ErrorCode = "SIGNAL_AUTHN"         // Missing credentials
	SIGNAL_JWT_INVALID   ErrorCode = "SIGNAL_JWT_INVALID"   // Invalid JWT
	SIGNAL_JWT_EXPIRED   ErrorCode = "SIGNAL_JWT_EXPIRED"   // Expired JWT
	SIGNAL_JWT_MALFORMED ErrorCode = "SIGNAL_JWT_MALFORMED" // Malformed JWT

	// Authorization errors
	SIGNAL_AUTHZ          ErrorCode = "SIGNAL_AUTHZ"          // Role not allowed for the operation
	SIGNAL_OWNER_MISMATCH ErrorCode = "SIGNAL_OWNER_MISMATCH" // Caller acting on behalf of another user

	// Resource errors
	SIGNAL_NOT_FOUND       ErrorCode = "SIGNAL_NOT_FOUND"       // Signal not found
	SIGNAL_TYPE_NOT_FOUND  ErrorCode = "SIGNAL_TYPE_NOT_FOUND"  // Type name not in the catalog
	SIGNAL_IMAGE_NOT_FOUND ErrorCode = "SIGNAL_IMAGE_NOT_FOUND" // Image blob not found

	// Server errors
	SIGNAL_STORAGE     ErrorCode = "SIGNAL_STORAGE"     // Blob or record store failure
	SIGNAL_INTERNAL    ErrorCode = "SIGNAL_INTERNAL"    // Internal server error
	SIGNAL_UNAVAILABLE ErrorCode = "SIGNAL_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
	Cause         error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates a new Error that keeps cause for logging. The cause is never
// serialized to callers.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.Cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of the first *Error in err's chain, or SIGNAL_INTERNAL
// when err carries none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return SIGNAL_INTERNAL
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SIGNAL_VALIDATION, SIGNAL_BAD_REQUEST, SIGNAL_MEDIA_SIZE, SIGNAL_MEDIA_TYPE:
		return http.StatusBadRequest
	case SIGNAL_AUTHN, SIGNAL_JWT_INVALID, SIGNAL_JWT_EXPIRED, SIGNAL_JWT_MALFORMED:
		return http.StatusUnauthorized
	case SIGNAL_AUTHZ, SIGNAL_OWNER_MISMATCH:
		return http.StatusForbidden
	case SIGNAL_NOT_FOUND, SIGNAL_TYPE_NOT_FOUND, SIGNAL_IMAGE_NOT_FOUND:
		return http.StatusNotFound
	case SIGNAL_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

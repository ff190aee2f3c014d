package apperr

import (
	"errors"
	"fmt"
)

// Error codes returned to clients.
const (
	CodeInvalidSyntax     = "INVALID_SYNTAX"
	CodeInvalidFunction   = "INVALID_FUNCTION"
	CodeInvalidQuery      = "INVALID_QUERY"
	CodeForbidden         = "FORBIDDEN"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeRecordNotUnique   = "RECORD_NOT_UNIQUE"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeUnknownCollection = "UNKNOWN_COLLECTION"
	CodeInternal          = "INTERNAL_ERROR"
)

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func New(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

// InvalidSyntax reports a malformed function call, JSON path or filter value.
func InvalidSyntax(format string, args ...any) *AppError {
	return New(CodeInvalidSyntax, 400, fmt.Sprintf(format, args...))
}

// InvalidFunction reports a function that is unknown or not allowed on the field type.
func InvalidFunction(format string, args ...any) *AppError {
	return New(CodeInvalidFunction, 400, fmt.Sprintf(format, args...))
}

// InvalidQuery reports a well-formed query that references things it cannot.
func InvalidQuery(format string, args ...any) *AppError {
	return New(CodeInvalidQuery, 400, fmt.Sprintf(format, args...))
}

func Forbidden(msg string) *AppError {
	if msg == "" {
		msg = "You don't have permission to access this."
	}
	return New(CodeForbidden, 403, msg)
}

func Unauthorized(msg string) *AppError {
	return New(CodeUnauthorized, 401, msg)
}

func NotFound(collection string, id any) *AppError {
	return New(CodeNotFound, 404, fmt.Sprintf("%s with id %v not found", collection, id))
}

func UnknownCollection(name string) *AppError {
	return New(CodeUnknownCollection, 404, fmt.Sprintf("Unknown collection: %s", name))
}

func ValidationFailed(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    CodeValidationFailed,
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

// Internal marks a broken invariant. It is never caused by client input.
func Internal(format string, args ...any) *AppError {
	return New(CodeInternal, 500, fmt.Sprintf(format, args...))
}

// As unwraps err to an *AppError.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

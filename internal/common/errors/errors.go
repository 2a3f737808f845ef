// Package errors provides the error taxonomy for the lab orchestrator.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeInvalidProfile     = "INVALID_PROFILE"
	ErrCodeAdmissionDenied    = "ADMISSION_DENIED"
	ErrCodeProvisioningFailed = "PROVISIONING_FAILED"
	ErrCodeStartupTimeout     = "STARTUP_TIMEOUT"
	ErrCodeAlreadyTerminated  = "ALREADY_TERMINATED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidProfile creates an error for an unknown or disabled profile.
func InvalidProfile(name string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidProfile,
		Message:    fmt.Sprintf("profile '%s' is unknown or disabled", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// AdmissionDenied creates an error for a request rejected by admission
// control. These are user-retryable.
func AdmissionDenied(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAdmissionDenied,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ProvisioningFailed creates an error for a runtime that could not
// materialize the environment.
func ProvisioningFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProvisioningFailed,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StartupTimeout creates an error for sub-services that did not become
// ready within the startup window. Treated as a provisioning failure.
func StartupTimeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeStartupTimeout,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// AlreadyTerminated signals a transition attempted on a terminated
// session. Benign: never surfaced to the caller as a fault.
func AlreadyTerminated(id string) *AppError {
	return &AppError{
		Code:       ErrCodeAlreadyTerminated,
		Message:    fmt.Sprintf("session '%s' is already terminated", id),
		HTTPStatus: http.StatusAccepted,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:       ErrCodeServiceUnavailable,
		Message:    fmt.Sprintf("service '%s' is currently unavailable", service),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAdmissionDenied checks if the error is an admission denial.
func IsAdmissionDenied(err error) bool {
	return hasCode(err, ErrCodeAdmissionDenied)
}

// IsInvalidProfile checks if the error is an invalid profile error.
func IsInvalidProfile(err error) bool {
	return hasCode(err, ErrCodeInvalidProfile)
}

// IsAlreadyTerminated checks if the error is the benign
// already-terminated signal.
func IsAlreadyTerminated(err error) bool {
	return hasCode(err, ErrCodeAlreadyTerminated)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

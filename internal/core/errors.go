package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error class. HTTP statuses derive from
// these, never the other way around.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeAuthRequired      Code = "AUTH_REQUIRED"
	CodeAuthInvalid       Code = "AUTH_INVALID"
	CodeNotFound          Code = "NOT_FOUND"
	CodeIdempotency       Code = "IDEMPOTENCY_CONFLICT"
	CodeRateLimit         Code = "RATE_LIMIT"
	CodeBenchmarkOptIn    Code = "BENCHMARK_OPT_IN_REQUIRED"
	CodeModelOutput       Code = "MODEL_OUTPUT_INVALID"
	CodeProviderDown      Code = "PROVIDER_UNAVAILABLE"
	CodeCancelled         Code = "CANCELLED"
	CodeInternal          Code = "INTERNAL_ERROR"
	CodePlanDependency    Code = "PLAN_DEPENDENCY_UNMET"
	CodeInsightNotFound   Code = "INSIGHT_NOT_FOUND"
)

// Error is the envelope surfaced to callers: {code, message, details?}.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// E builds a new typed error.
func E(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps an underlying error under a typed code.
func WrapE(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured details to the error and returns it.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// ValidationError builds a VALIDATION_ERROR carrying structured issues.
func ValidationError(issues []string) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: "request validation failed",
		Details: map[string]interface{}{"issues": issues},
	}
}

// AsError extracts a typed *Error from any error chain, defaulting to
// INTERNAL_ERROR. Context cancellation maps to CANCELLED regardless of what
// wrapped it, since the deadline firing takes precedence.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Code != CodeCancelled && isCancellation(err) {
			return WrapE(CodeCancelled, err, "request cancelled")
		}
		return typed
	}
	if isCancellation(err) {
		return WrapE(CodeCancelled, err, "request cancelled")
	}
	return WrapE(CodeInternal, err, "internal error")
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// HTTPStatus maps an error code to its transport status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthRequired, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeBenchmarkOptIn:
		return http.StatusForbidden
	case CodeNotFound, CodeInsightNotFound:
		return http.StatusNotFound
	case CodeIdempotency:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeModelOutput, CodeProviderDown:
		return http.StatusBadGateway
	case CodeCancelled:
		return 499 // client closed request, nginx convention
	case CodePlanDependency, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

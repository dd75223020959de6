package apperrors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType is a coarse error taxonomy, mirroring the teacher's internal/errors
// package. It maps to an HTTP status for collaborators that expose errors over
// a transport, even though the core itself has no transport.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypePolicy     ErrorType = "policy"
	ErrorTypeGuard      ErrorType = "guard"
	ErrorTypeBudget     ErrorType = "budget_exceeded"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
	ErrorTypePolicy:     http.StatusConflict,
	ErrorTypeGuard:      http.StatusForbidden,
	ErrorTypeBudget:     http.StatusPaymentRequired,
}

// Code is one of the stable HSK-xxx codes surfaced to collaborators per
// spec.md §6/§7. Unlike ErrorType (which is purely internal taxonomy), Code
// is part of the core's external contract and must not change meaning once
// published.
type Code string

const (
	CodeInvalidScope    Code = "HSK-400-INVALID-SCOPE"
	CodeCapability      Code = "HSK-403-CAPABILITY"
	CodeSilentEdit      Code = "HSK-403-SILENT-EDIT"
	CodeNotFound        Code = "HSK-404-NOT-FOUND"
	CodePolicy          Code = "HSK-409-POLICY"
	CodeBudgetExceeded  Code = "HSK-402-BUDGET-EXCEEDED"
	CodeRateLimit       Code = "HSK-429-RATE-LIMIT"
	CodeExport          Code = "HSK-500-EXPORT"
	CodeIO              Code = "HSK-500-IO"
	CodeValidation      Code = "HSK-500-VALIDATION"
	CodeZip             Code = "HSK-500-ZIP"
	CodeLLM             Code = "HSK-500-LLM"
)

// AppError is the core's typed error: a taxonomy tag, an HTTP status, an
// optional stable Code, optional free-text Details, and an optional Cause.
type AppError struct {
	Type       ErrorType
	Code       Code
	Message    string
	Details    string
	StatusCode int
	Cause      error
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches free-text details in place and returns the same
// pointer, so call sites can chain: New(...).WithDetails(...).
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithCode attaches a stable HSK code in place.
func (e *AppError) WithCode(code Code) *AppError {
	e.Code = code
	return e
}

// New creates an AppError of the given type with the status code the type
// maps to.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusByType[t],
	}
}

// Wrap creates an AppError of the given type wrapping cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf is Wrap with fmt.Sprintf formatting of the message.
func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// NewValidationError is a convenience constructor for the common case where
// the message itself is already safe to surface to a caller.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewPolicyError(message string) *AppError {
	return New(ErrorTypePolicy, message)
}

func NewGuardError(code Code, message string) *AppError {
	return New(ErrorTypeGuard, message).WithCode(code)
}

// NewBudgetError reports a token (or other quota) budget exceeded, per the
// LLM client port's HSK-402-BUDGET-EXCEEDED(tokens) contract.
func NewBudgetError(message string) *AppError {
	return New(ErrorTypeBudget, message).WithCode(CodeBudgetExceeded)
}

// NewRateLimitError reports an upstream rate limit, per the LLM client
// port's HSK-429-RATE-LIMIT contract.
func NewRateLimitError(message string) *AppError {
	return New(ErrorTypeRateLimit, message).WithCode(CodeRateLimit)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

// GetType extracts err's ErrorType, or ErrorTypeInternal if err is not an
// *AppError.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetCode extracts err's stable Code, or "" if err is not an *AppError or
// carries no code.
func GetCode(err error) Code {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ""
}

// GetStatusCode extracts err's HTTP status, defaulting to 500.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the safe, generic messages shown for error types whose
// real message may leak internal detail.
var ErrorMessages = struct {
	ResourceNotFound        string
	AuthenticationFailed    string
	OperationTimeout        string
	RateLimitExceeded       string
	ConcurrentModification  string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// SafeErrorMessage returns a message safe to show outside the process:
// validation messages pass through unchanged (they describe user input, not
// internals); other AppError types return a generic message for their type;
// non-AppError errors always return a fully generic message.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeBudget:
		return "Token budget exceeded"
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields builds structured logging fields for err, suitable for
// logrus.WithFields. Non-AppError errors only contribute "error".
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Code != "" {
		fields["error_code"] = string(appErr.Code)
	}
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins errors with " -> ", returning a single unwrapped error for one
// input and nil for none. This differs from ChainOps's "; "-joined summary:
// Chain is used where errors represent consecutive pipeline phases and the
// arrow conveys progression, ChainOps where they're independent failures.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msgs := make([]string, len(nonNil))
		for i, e := range nonNil {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, " -> "))
	}
}

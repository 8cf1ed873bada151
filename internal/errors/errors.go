package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrUnavailable        = errors.New("billing service is unavailable")
	ErrNotSupported       = errors.New("feature not supported")
	ErrNotImplemented     = errors.New("not implemented")
	ErrTimeout            = errors.New("timeout")
	ErrCanceled           = errors.New("canceled")
	ErrQueueFull          = errors.New("request queue is full")
	ErrPurchaseInProgress = errors.New("purchase already in progress")
	ErrClosed             = errors.New("billing session closed")
	ErrInvalidInput       = errors.New("invalid input")
)

// Code is the error kind reported to the originating caller.
type Code string

const (
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeNotSupported   Code = "NOT_SUPPORTED"
	CodeError          Code = "ERROR"
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
	CodeTimeout        Code = "TIMEOUT"
	CodeCanceled       Code = "CANCELED"
)

// sentinelCode returns the Code a base error stands for.
func sentinelCode(target error) (Code, bool) {
	switch target {
	case ErrUnavailable:
		return CodeUnavailable, true
	case ErrNotSupported:
		return CodeNotSupported, true
	case ErrNotImplemented:
		return CodeNotImplemented, true
	case ErrTimeout:
		return CodeTimeout, true
	case ErrCanceled:
		return CodeCanceled, true
	default:
		return "", false
	}
}

// BillingError is the structured error delivered to callers of billing operations.
type BillingError struct {
	Code      Code
	Op        string // Operation that failed (e.g., "purchase", "fetchProducts")
	Message   string // Short human readable message for the caller
	Response  int    // Billing service response code, if one was involved
	Responses []int  // All response codes when several calls were made
	Err       error  // Underlying error
}

func (e *BillingError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed", e.Op)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}

	// Check base error types
	if code, ok := sentinelCode(target); ok && code == e.Code {
		return true
	}

	// Check wrapped error
	return errors.Is(e.Err, target)
}

// Details returns the response codes as caller-facing details, or nil.
func (e *BillingError) Details() map[string]any {
	switch {
	case len(e.Responses) > 0:
		return map[string]any{"responseCodes": e.Responses}
	case e.Response != 0:
		return map[string]any{"responseCode": e.Response}
	default:
		return nil
	}
}

// New creates a BillingError
func New(code Code, op, message string) *BillingError {
	return &BillingError{Code: code, Op: op, Message: message}
}

// WithResponse records the billing service response code.
func (e *BillingError) WithResponse(code int) *BillingError {
	e.Response = code
	return e
}

// WithResponses records several billing service response codes.
func (e *BillingError) WithResponses(codes ...int) *BillingError {
	e.Responses = append([]int(nil), codes...)
	return e
}

// Wrap attaches an underlying error.
func (e *BillingError) Wrap(err error) *BillingError {
	e.Err = err
	return e
}

// Helper functions

// Unavailable reports that the billing service could not be reached for op.
func Unavailable(op string, err error) error {
	if err == nil {
		err = ErrUnavailable
	}
	return New(CodeUnavailable, op, "Billing service is unavailable!").Wrap(err)
}

// Timeout reports that op did not complete before its deadline.
func Timeout(op string, err error) error {
	return New(CodeTimeout, op, fmt.Sprintf("%s timed out", op)).Wrap(err)
}

// Canceled reports that the caller withdrew op.
func Canceled(op string, err error) error {
	return New(CodeCanceled, op, fmt.Sprintf("%s was canceled", op)).Wrap(err)
}

// CodeOf returns the caller-facing code for err. Errors that are not
// BillingErrors map to CodeError.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var be *BillingError
	if errors.As(err, &be) {
		return be.Code
	}
	switch {
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrClosed), errors.Is(err, ErrQueueFull):
		return CodeUnavailable
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrCanceled):
		return CodeCanceled
	case errors.Is(err, ErrNotSupported):
		return CodeNotSupported
	case errors.Is(err, ErrNotImplemented):
		return CodeNotImplemented
	default:
		return CodeError
	}
}

// IsRetryableError reports whether reissuing the operation may succeed.
// Nothing is retried automatically; this only informs callers.
func IsRetryableError(err error) bool {
	switch CodeOf(err) {
	case CodeUnavailable, CodeTimeout:
		return true
	case CodeError:
		return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrPurchaseInProgress)
	default:
		return false
	}
}

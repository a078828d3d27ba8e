package errors

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrValidation          = errors.New("validation failed")
	ErrInvalidSchedule     = errors.New("invalid schedule")
	ErrInvalidKey          = errors.New("invalid idempotency key")
	ErrInvalidPayment      = errors.New("invalid payment")
	ErrNotFound            = errors.New("not found")
	ErrGateway             = errors.New("gateway error")
	ErrMaxRetriesExceeded  = errors.New("max retries exceeded")
	ErrInvalidCallback     = errors.New("invalid callback")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrPaymentInProgress   = errors.New("payment already in progress")
	ErrPlanClosed          = errors.New("payment plan is closed")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// BusinessError represents a business logic error
type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError creates a new business error
func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Error codes
const (
	ErrCodeInvalidSchedule       = "INVALID_SCHEDULE"
	ErrCodeInvalidPayment        = "INVALID_PAYMENT"
	ErrCodeInvalidKey            = "INVALID_IDEMPOTENCY_KEY"
	ErrCodePaymentAmountMismatch = "PAYMENT_AMOUNT_MISMATCH"
	ErrCodePlanClosed            = "PLAN_CLOSED"
	ErrCodePlanNotFound          = "PLAN_NOT_FOUND"
	ErrCodePaymentNotFound       = "PAYMENT_NOT_FOUND"
	ErrCodeCallbackNotFound      = "CALLBACK_REFERENCE_NOT_FOUND"
	ErrCodeGatewayError          = "GATEWAY_ERROR"
	ErrCodeMaxRetriesExceeded    = "MAX_RETRIES_EXCEEDED"
	ErrCodeInvalidCallback       = "INVALID_CALLBACK"
	ErrCodeInvalidSignature      = "INVALID_SIGNATURE"
	ErrCodeIdempotencyConflict   = "IDEMPOTENCY_CONFLICT"
	ErrCodePaymentInProgress     = "PAYMENT_IN_PROGRESS"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeDatabaseError         = "DATABASE_ERROR"
	ErrCodeCacheError            = "CACHE_ERROR"
)

// WrapInvalidSchedule reports a schedule request the calculator refuses.
func WrapInvalidSchedule(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidSchedule,
		reason,
		errors.Join(ErrValidation, ErrInvalidSchedule),
	)
}

func WrapInvalidPayment(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidPayment,
		reason,
		errors.Join(ErrValidation, ErrInvalidPayment),
	)
}

func WrapInvalidKey(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidKey,
		reason,
		errors.Join(ErrValidation, ErrInvalidKey),
	)
}

func WrapPaymentAmountMismatch(expected, actual string) *BusinessError {
	return NewBusinessError(
		ErrCodePaymentAmountMismatch,
		fmt.Sprintf("Payment amount %s does not match expected amount %s", actual, expected),
		errors.Join(ErrValidation, ErrInvalidPayment),
	)
}

func WrapPlanClosed(planID string, status string) *BusinessError {
	return NewBusinessError(
		ErrCodePlanClosed,
		fmt.Sprintf("Payment plan %s is %s", planID, status),
		errors.Join(ErrValidation, ErrPlanClosed),
	)
}

func WrapPlanNotFound(planID string) *BusinessError {
	return NewBusinessError(
		ErrCodePlanNotFound,
		fmt.Sprintf("Payment plan with ID %s not found", planID),
		ErrNotFound,
	)
}

func WrapPaymentNotFound(paymentID string) *BusinessError {
	return NewBusinessError(
		ErrCodePaymentNotFound,
		fmt.Sprintf("Payment with ID %s not found", paymentID),
		ErrNotFound,
	)
}

func WrapCallbackNotFound(reference string) *BusinessError {
	return NewBusinessError(
		ErrCodeCallbackNotFound,
		fmt.Sprintf("No payment matches callback reference %s", reference),
		ErrNotFound,
	)
}

func WrapGatewayError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeGatewayError,
		"money gateway request failed",
		errors.Join(ErrGateway, err),
	)
}

func WrapMaxRetriesExceeded(paymentID string, retries int) *BusinessError {
	return NewBusinessError(
		ErrCodeMaxRetriesExceeded,
		fmt.Sprintf("Payment %s exhausted %d retries", paymentID, retries),
		ErrMaxRetriesExceeded,
	)
}

func WrapInvalidCallback(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidCallback,
		reason,
		ErrInvalidCallback,
	)
}

// WrapInvalidSignature reports a callback that failed authentication.
func WrapInvalidSignature(reason string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidSignature,
		reason,
		ErrInvalidCallback,
	)
}

func WrapIdempotencyConflict(key string) *BusinessError {
	return NewBusinessError(
		ErrCodeIdempotencyConflict,
		fmt.Sprintf("Idempotency key %s was already recorded", key),
		ErrIdempotencyConflict,
	)
}

func WrapPaymentInProgress(planID string, dueDate string) *BusinessError {
	return NewBusinessError(
		ErrCodePaymentInProgress,
		fmt.Sprintf("Plan %s already has a payment in progress for %s", planID, dueDate),
		ErrPaymentInProgress,
	)
}

func WrapInvalidTransition(entity, from, to string) *BusinessError {
	return NewBusinessError(
		ErrCodeInvalidTransition,
		fmt.Sprintf("%s cannot move from %s to %s", entity, from, to),
		ErrInvalidTransition,
	)
}

func WrapDatabaseError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeDatabaseError,
		"database operation failed",
		err,
	)
}

func WrapCacheError(err error) *BusinessError {
	return NewBusinessError(
		ErrCodeCacheError,
		"Cache operation failed",
		err,
	)
}

func IsValidation(err error) bool         { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool           { return errors.Is(err, ErrNotFound) }
func IsGateway(err error) bool            { return errors.Is(err, ErrGateway) }
func IsMaxRetriesExceeded(err error) bool { return errors.Is(err, ErrMaxRetriesExceeded) }
func IsInvalidCallback(err error) bool    { return errors.Is(err, ErrInvalidCallback) }
func IsPaymentInProgress(err error) bool  { return errors.Is(err, ErrPaymentInProgress) }
func IsInvalidTransition(err error) bool  { return errors.Is(err, ErrInvalidTransition) }

// CodeOf returns the business code carried by err, or "" if there is none.
func CodeOf(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrOrganizationNotFound     = errors.New("organization not found")
	ErrReservationNotFound      = errors.New("reservation not found")
	ErrInvalidReservationStatus = errors.New("invalid reservation status")
	ErrReservationSettled       = errors.New("reservation already settled")
	ErrDuplicateRequest         = errors.New("duplicate request")
	ErrDuplicateIdempotencyKey  = errors.New("duplicate idempotency key")
	ErrAccountExists            = errors.New("credit account already exists")
	ErrPlanNotFound             = errors.New("plan not found")
	ErrOrganizationPlanNotFound = errors.New("organization plan not found")
	ErrPendingPlanChanged       = errors.New("pending plan changed")
	ErrInvalidOrganizationID    = errors.New("invalid organization id")
	ErrInvalidReservationID     = errors.New("invalid reservation id")
	ErrInvalidIdempotencyKey    = errors.New("invalid idempotency key")
	ErrInvalidCredits           = errors.New("invalid credits")
	ErrInvalidCapability        = errors.New("invalid ai capability")
	ErrInvalidExpiry            = errors.New("invalid reservation expiry")
	ErrInvalidReleaseReason     = errors.New("invalid release reason")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
)

// Stable error codes exposed to callers.
const (
	CodeInsufficientCredits      = "INSUFFICIENT_CREDITS"
	CodeOrganizationNotFound     = "ORGANIZATION_NOT_FOUND"
	CodeReservationNotFound      = "RESERVATION_NOT_FOUND"
	CodeInvalidReservationStatus = "INVALID_RESERVATION_STATUS"
	CodeReservationSettled       = "RESERVATION_ALREADY_SETTLED"
	CodeDuplicateRequest         = "DUPLICATE_REQUEST"
)

// InsufficientCreditsError reports a reservation that would exceed the spendable balance.
type InsufficientCreditsError struct {
	OrganizationID OrganizationID
	Requested      Credits
	Spendable      Credits
}

func (insufficient *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for organization %s: required %s, available %s", insufficient.OrganizationID, insufficient.Requested, insufficient.Spendable)
}

func (insufficient *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Code returns the stable error code.
func (insufficient *InsufficientCreditsError) Code() string { return CodeInsufficientCredits }

// OrganizationNotFoundError reports a missing balance row.
type OrganizationNotFoundError struct {
	OrganizationID OrganizationID
}

func (notFound *OrganizationNotFoundError) Error() string {
	return fmt.Sprintf("organization %s has no credit balance", notFound.OrganizationID)
}

func (notFound *OrganizationNotFoundError) Unwrap() error { return ErrOrganizationNotFound }

// Code returns the stable error code.
func (notFound *OrganizationNotFoundError) Code() string { return CodeOrganizationNotFound }

// ReservationNotFoundError reports an unknown reservation id.
type ReservationNotFoundError struct {
	ReservationID ReservationID
}

func (notFound *ReservationNotFoundError) Error() string {
	return fmt.Sprintf("reservation %s not found", notFound.ReservationID)
}

func (notFound *ReservationNotFoundError) Unwrap() error { return ErrReservationNotFound }

// Code returns the stable error code.
func (notFound *ReservationNotFoundError) Code() string { return CodeReservationNotFound }

// InvalidReservationStatusError reports an operation attempted from the wrong lifecycle state.
type InvalidReservationStatusError struct {
	ReservationID  ReservationID
	CurrentStatus  ReservationStatus
	ExpectedStatus ReservationStatus
}

func (invalid *InvalidReservationStatusError) Error() string {
	return fmt.Sprintf("reservation %s is %s, expected %s", invalid.ReservationID, invalid.CurrentStatus, invalid.ExpectedStatus)
}

func (invalid *InvalidReservationStatusError) Unwrap() error { return ErrInvalidReservationStatus }

// Code returns the stable error code.
func (invalid *InvalidReservationStatusError) Code() string { return CodeInvalidReservationStatus }

// ReservationSettledError reports a release attempted after settlement.
type ReservationSettledError struct {
	ReservationID ReservationID
}

func (settled *ReservationSettledError) Error() string {
	return fmt.Sprintf("reservation %s has already been settled", settled.ReservationID)
}

func (settled *ReservationSettledError) Unwrap() error { return ErrReservationSettled }

// Code returns the stable error code.
func (settled *ReservationSettledError) Code() string { return CodeReservationSettled }

// DuplicateRequestError reports an idempotency key reused with different parameters or after expiry.
type DuplicateRequestError struct {
	IdempotencyKey        IdempotencyKey
	ExistingReservationID ReservationID
}

func (duplicate *DuplicateRequestError) Error() string {
	return fmt.Sprintf("idempotency key %s already used by reservation %s", duplicate.IdempotencyKey, duplicate.ExistingReservationID)
}

func (duplicate *DuplicateRequestError) Unwrap() error { return ErrDuplicateRequest }

// Code returns the stable error code.
func (duplicate *DuplicateRequestError) Code() string { return CodeDuplicateRequest }

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorCode returns the caller-facing code of the first typed domain error in err's chain.
func ErrorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return CodeInsufficientCredits, true
	case errors.Is(err, ErrOrganizationNotFound):
		return CodeOrganizationNotFound, true
	case errors.Is(err, ErrReservationNotFound):
		return CodeReservationNotFound, true
	case errors.Is(err, ErrReservationSettled):
		return CodeReservationSettled, true
	case errors.Is(err, ErrInvalidReservationStatus):
		return CodeInvalidReservationStatus, true
	case errors.Is(err, ErrDuplicateRequest):
		return CodeDuplicateRequest, true
	default:
		return "", false
	}
}

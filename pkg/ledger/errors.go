package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is the parent of every caller-data validation error.
var ErrInvalidInput = errors.New("invalid input")

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrUnknownAction           = errors.New("unknown action")
	ErrStorageUnavailable      = errors.New("storage unavailable")
	ErrConcurrentUpdate        = errors.New("concurrent balance update")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrNotRefundable           = errors.New("transaction not refundable")
	ErrAlreadyRefunded         = errors.New("transaction already refunded")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
	ErrInvalidCostTable        = errors.New("invalid cost table")
	ErrInvalidBalance          = errors.New("invalid balance")
)

// Caller-data validation errors. Each one matches ErrInvalidInput.
var (
	ErrInvalidUserID         = fmt.Errorf("%w: user id", ErrInvalidInput)
	ErrInvalidTransactionID  = fmt.Errorf("%w: transaction id", ErrInvalidInput)
	ErrInvalidIdempotencyKey = fmt.Errorf("%w: idempotency key", ErrInvalidInput)
	ErrInvalidActionID       = fmt.Errorf("%w: action id", ErrInvalidInput)
	ErrInvalidCategory       = fmt.Errorf("%w: category", ErrInvalidInput)
	ErrInvalidCredits        = fmt.Errorf("%w: credits", ErrInvalidInput)
	ErrInvalidCreditType     = fmt.Errorf("%w: credit type", ErrInvalidInput)
	ErrInvalidKind           = fmt.Errorf("%w: transaction kind", ErrInvalidInput)
	ErrInvalidQuantity       = fmt.Errorf("%w: quantity", ErrInvalidInput)
	ErrInvalidMetadata       = fmt.Errorf("%w: metadata", ErrInvalidInput)
	ErrInvalidListLimit      = fmt.Errorf("%w: list limit", ErrInvalidInput)
	ErrInvalidCursor         = fmt.Errorf("%w: cursor", ErrInvalidInput)
)

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

type storageFault struct {
	err error
}

func (fault storageFault) Error() string {
	return fmt.Sprintf("%v: %v", ErrStorageUnavailable, fault.err)
}

func (fault storageFault) Unwrap() []error {
	return []error{ErrStorageUnavailable, fault.err}
}

// StorageFault marks an infrastructure error so that it matches ErrStorageUnavailable
// while keeping the driver error reachable through errors.As.
func StorageFault(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return storageFault{err: err}
}

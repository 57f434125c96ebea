package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	AccountNotFound           ErrorCode = "account_not_found"
	CustomerNotFound          ErrorCode = "customer_not_found"
	SupplierNotFound          ErrorCode = "supplier_not_found"
	CategoryNotFound          ErrorCode = "category_not_found"
	OperationNotFound         ErrorCode = "operation_not_found"
	InvalidInput              ErrorCode = "invalid_input"
	InvalidAmount             ErrorCode = "invalid_amount"
	InsufficientFunds         ErrorCode = "insufficient_funds"
	SameAccountTransfer       ErrorCode = "same_account_transfer"
	AlreadyReversed           ErrorCode = "already_reversed"
	DuplicateAccount          ErrorCode = "duplicate_account"
	DuplicateEntity           ErrorCode = "duplicate_entity"
	DuplicateOperation        ErrorCode = "duplicate_operation"
	SequenceAllocationFailure ErrorCode = "sequence_allocation_failure"
	ConcurrentModification    ErrorCode = "concurrent_modification"
	PersistenceFailure        ErrorCode = "persistence_failure"
	Inconsistent              ErrorCode = "inconsistent"
	InternalError             ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
	Field   string    `json:"field,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on the error code so that sentinels keep working after
// WithDetails or WithField produced a copy.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy of e carrying details.
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// WithField returns a copy of e naming the offending request field.
func (e *AppError) WithField(field string) *AppError {
	c := *e
	c.Field = field
	return &c
}

// Transient reports whether the failure may succeed when retried.
func (e *AppError) Transient() bool {
	switch e.Code {
	case SequenceAllocationFailure, ConcurrentModification, PersistenceFailure:
		return true
	}
	return false
}

// NotFound reports whether e belongs to the not-found family.
func (e *AppError) NotFound() bool {
	switch e.Code {
	case AccountNotFound, CustomerNotFound, SupplierNotFound, CategoryNotFound, OperationNotFound:
		return true
	}
	return false
}

func (e *AppError) HTTPStatus() int {
	switch {
	case e.NotFound():
		return http.StatusNotFound
	}

	switch e.Code {
	case InvalidInput, InvalidAmount, SameAccountTransfer:
		return http.StatusBadRequest
	case InsufficientFunds:
		return http.StatusUnprocessableEntity
	case AlreadyReversed, DuplicateAccount, DuplicateEntity, DuplicateOperation:
		return http.StatusConflict
	case SequenceAllocationFailure, ConcurrentModification, PersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// As extracts the *AppError from err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is is errors.Is re-exported for callers that import this package as errors.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Wrap converts any error into an *AppError, keeping existing codes.
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return NewAppError(InternalError, "an unexpected error occurred").WithDetails(err.Error())
}

// Predefined errors for common cases
var (
	ErrAccountNotFound        = NewAppError(AccountNotFound, "account not found")
	ErrCustomerNotFound       = NewAppError(CustomerNotFound, "customer not found")
	ErrSupplierNotFound       = NewAppError(SupplierNotFound, "supplier not found")
	ErrCategoryNotFound       = NewAppError(CategoryNotFound, "expense category not found")
	ErrOperationNotFound      = NewAppError(OperationNotFound, "operation not found")
	ErrInvalidAccountID       = NewAppError(InvalidInput, "invalid account id")
	ErrInvalidAmount          = NewAppError(InvalidAmount, "amount must be a positive decimal")
	ErrInsufficientFunds      = NewAppError(InsufficientFunds, "insufficient funds")
	ErrSameAccountTransfer    = NewAppError(SameAccountTransfer, "source and destination accounts must differ")
	ErrAlreadyReversed        = NewAppError(AlreadyReversed, "operation is not in applied state")
	ErrDuplicateAccount       = NewAppError(DuplicateAccount, "account already exists")
	ErrDuplicateEntity        = NewAppError(DuplicateEntity, "entity already exists")
	ErrDuplicateOperation     = NewAppError(DuplicateOperation, "operation already recorded")
	ErrSequenceAllocation     = NewAppError(SequenceAllocationFailure, "failed to allocate sequence number")
	ErrConcurrentModification = NewAppError(ConcurrentModification, "concurrent modification, retry")
	ErrPersistence            = NewAppError(PersistenceFailure, "storage unavailable")
	ErrInconsistent           = NewAppError(Inconsistent, "rollback failed, operation queued for reconciliation")
	ErrTransactionRequired    = NewAppError(InternalError, "operation requires an open transaction")
	ErrCannotBeginTransaction = NewAppError(InternalError, "cannot begin a nested transaction")
)

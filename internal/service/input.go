package service

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

// OperationInput is an operation as it arrives from a client: JSON body,
// batch row or CSV line. ToRequest turns it into a typed request.
type OperationInput struct {
	Kind                 string `json:"kind"`
	Amount               string `json:"amount"`
	SourceAccountID      *int64 `json:"source_account_id,omitempty"`
	DestinationAccountID *int64 `json:"destination_account_id,omitempty"`
	CustomerID           *int64 `json:"customer_id,omitempty"`
	SupplierID           *int64 `json:"supplier_id,omitempty"`
	CategoryID           *int64 `json:"category_id,omitempty"`
	Description          string `json:"description,omitempty"`
	IdempotencyKey       string `json:"idempotency_key,omitempty"`
}

func (in *OperationInput) ToRequest() (*domain.OperationRequest, error) {
	kind := domain.OperationKind(strings.ToLower(strings.TrimSpace(in.Kind)))
	if kind == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "kind is required").WithField("kind")
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(in.Amount))
	if err != nil {
		return nil, errors.ErrInvalidAmount.WithDetails("amount must be a decimal number").WithField("amount")
	}

	related, err := in.related()
	if err != nil {
		return nil, err
	}

	req := &domain.OperationRequest{
		Kind:                 kind,
		Amount:               amount,
		SourceAccountID:      in.SourceAccountID,
		DestinationAccountID: in.DestinationAccountID,
		RelatedID:            related,
		Description:          strings.TrimSpace(in.Description),
	}

	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		parsed, err := uuid.Parse(key)
		if err != nil {
			return nil, errors.NewAppError(errors.InvalidInput, "idempotency key must be a valid UUID").WithField("idempotency_key")
		}
		req.IdempotencyKey = &parsed
	}
	return req, nil
}

// related picks the one entity reference the input carries.
func (in *OperationInput) related() (*int64, error) {
	var (
		found *int64
		count int
	)
	for _, id := range []*int64{in.CustomerID, in.SupplierID, in.CategoryID} {
		if id != nil {
			found = id
			count++
		}
	}
	if count > 1 {
		return nil, errors.NewAppError(errors.InvalidInput, "only one of customer_id, supplier_id, category_id may be set").WithField("related_id")
	}
	if found == nil {
		return nil, nil
	}

	// A reference of the wrong type for the kind is a stray field.
	want := domain.OperationKind(strings.ToLower(strings.TrimSpace(in.Kind))).RelatedType()
	switch {
	case in.CustomerID != nil && want != domain.RelatedCustomer:
		return nil, strayField("customer_id")
	case in.SupplierID != nil && want != domain.RelatedSupplier:
		return nil, strayField("supplier_id")
	case in.CategoryID != nil && want != domain.RelatedCategory:
		return nil, strayField("category_id")
	}
	return found, nil
}

func strayField(name string) error {
	return errors.NewAppErrorf(errors.InvalidInput, "%s is not allowed for this kind", name).WithField(name)
}

// Result is the processor outcome in its wire shape.
type Result struct {
	Success   bool              `json:"success"`
	Operation *domain.Operation `json:"operation,omitempty"`
	ErrorKind errors.ErrorCode  `json:"error_kind,omitempty"`
	Message   string            `json:"message,omitempty"`
	Field     string            `json:"field,omitempty"`
}

func ResultOf(op *domain.Operation, err error) Result {
	if err != nil {
		appErr := errors.Wrap(err)
		return Result{
			Success:   false,
			ErrorKind: appErr.Code,
			Message:   appErr.Message,
			Field:     appErr.Field,
		}
	}
	return Result{Success: true, Operation: op}
}

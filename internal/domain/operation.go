package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-engine/internal/errors"
)

type OperationKind string

const (
	KindDeposit    OperationKind = "deposit"
	KindWithdrawal OperationKind = "withdrawal"
	KindTransfer   OperationKind = "transfer"
	KindPaymentIn  OperationKind = "payment_in"
	KindPaymentOut OperationKind = "payment_out"
	KindExpense    OperationKind = "expense"
	KindReversal   OperationKind = "reversal"
)

// AmountScale is the number of decimal places stored for amounts and balances.
const AmountScale = 4

// MaxAmount is the largest magnitude a stored amount or balance can hold,
// matching the NUMERIC(20, 4) columns.
var MaxAmount = decimal.New(1, 20-AmountScale).Sub(decimal.New(1, -AmountScale))

// AmountInRange reports whether d fits the stored precision.
func AmountInRange(d decimal.Decimal) bool {
	return d.Abs().LessThanOrEqual(MaxAmount)
}

// Kinds lists the kinds a client may submit directly.
var Kinds = []OperationKind{KindDeposit, KindWithdrawal, KindTransfer, KindPaymentIn, KindPaymentOut, KindExpense}

func (k OperationKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return k == KindReversal
}

// RelatedType returns the type of entity a kind references, if any.
func (k OperationKind) RelatedType() RelatedType {
	switch k {
	case KindPaymentIn:
		return RelatedCustomer
	case KindPaymentOut:
		return RelatedSupplier
	case KindExpense:
		return RelatedCategory
	}
	return RelatedNone
}

type RelatedType string

const (
	RelatedNone     RelatedType = ""
	RelatedCustomer RelatedType = "customer"
	RelatedSupplier RelatedType = "supplier"
	RelatedCategory RelatedType = "category"
)

type OperationStatus string

const (
	StatusApplied      OperationStatus = "applied"
	StatusFailed       OperationStatus = "failed"
	StatusReversed     OperationStatus = "reversed"
	StatusInconsistent OperationStatus = "failed_inconsistent"
)

// Committed reports whether the operation's effect is part of the books.
func (s OperationStatus) Committed() bool {
	return s == StatusApplied || s == StatusReversed
}

type Operation struct {
	ID                   uuid.UUID       `json:"id"`
	Kind                 OperationKind   `json:"kind"`
	Sequence             int64           `json:"sequence"`
	Amount               decimal.Decimal `json:"amount"`
	SourceAccountID      *int64          `json:"source_account_id,omitempty"`
	DestinationAccountID *int64          `json:"destination_account_id,omitempty"`
	RelatedType          RelatedType     `json:"related_type,omitempty"`
	RelatedID            *int64          `json:"related_id,omitempty"`
	ReversesID           *uuid.UUID      `json:"reverses_id,omitempty"`
	Description          string          `json:"description,omitempty"`
	IdempotencyKey       *uuid.UUID      `json:"idempotency_key,omitempty"`
	Status               OperationStatus `json:"status"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// LegTarget is the kind of balance a leg mutates.
type LegTarget int

const (
	LegAccount LegTarget = iota
	LegCustomer
	LegSupplier
)

// Leg is one balance mutation of an operation.
type Leg struct {
	Target LegTarget
	ID     int64
	Delta  decimal.Decimal
}

// Legs returns the balance mutations of o, account legs first. A reversal
// carries the original's accounts swapped, so only the party sign differs.
func (o *Operation) Legs() []Leg {
	legs := make([]Leg, 0, 3)
	if o.SourceAccountID != nil {
		legs = append(legs, Leg{Target: LegAccount, ID: *o.SourceAccountID, Delta: o.Amount.Neg()})
	}
	if o.DestinationAccountID != nil {
		legs = append(legs, Leg{Target: LegAccount, ID: *o.DestinationAccountID, Delta: o.Amount})
	}
	if o.RelatedID == nil {
		return legs
	}

	partyDelta := o.Amount.Neg()
	if o.Kind == KindReversal {
		partyDelta = o.Amount
	}
	switch o.RelatedType {
	case RelatedCustomer:
		legs = append(legs, Leg{Target: LegCustomer, ID: *o.RelatedID, Delta: partyDelta})
	case RelatedSupplier:
		legs = append(legs, Leg{Target: LegSupplier, ID: *o.RelatedID, Delta: partyDelta})
	}
	return legs
}

// AccountIDs returns the distinct accounts o touches in ascending order.
func (o *Operation) AccountIDs() []int64 {
	switch {
	case o.SourceAccountID != nil && o.DestinationAccountID != nil:
		s, d := *o.SourceAccountID, *o.DestinationAccountID
		if s < d {
			return []int64{s, d}
		}
		return []int64{d, s}
	case o.SourceAccountID != nil:
		return []int64{*o.SourceAccountID}
	case o.DestinationAccountID != nil:
		return []int64{*o.DestinationAccountID}
	}
	return nil
}

// SignedAmount is o's effect on account id.
func (o *Operation) SignedAmount(id int64) decimal.Decimal {
	delta := decimal.Zero
	if o.SourceAccountID != nil && *o.SourceAccountID == id {
		delta = delta.Sub(o.Amount)
	}
	if o.DestinationAccountID != nil && *o.DestinationAccountID == id {
		delta = delta.Add(o.Amount)
	}
	return delta
}

// OperationRequest is a validated, kind-tagged request for the processor.
type OperationRequest struct {
	Kind                 OperationKind
	Amount               decimal.Decimal
	SourceAccountID      *int64
	DestinationAccountID *int64
	RelatedID            *int64
	Description          string
	IdempotencyKey       *uuid.UUID
}

// Validate checks the required-field set of the request's kind.
func (r *OperationRequest) Validate() error {
	if !r.Kind.Valid() || r.Kind == KindReversal {
		return errors.NewAppErrorf(errors.InvalidInput, "unknown operation kind %q", r.Kind).WithField("kind")
	}
	if !r.Amount.IsPositive() {
		return errors.ErrInvalidAmount.WithField("amount")
	}
	if !r.Amount.Equal(r.Amount.Round(AmountScale)) {
		return errors.NewAppErrorf(errors.InvalidAmount, "amount has more than %d decimal places", AmountScale).WithField("amount")
	}
	if !AmountInRange(r.Amount) {
		return errors.NewAppErrorf(errors.InvalidAmount, "amount exceeds %s", MaxAmount).WithField("amount")
	}

	needSource, needDest := false, false
	switch r.Kind {
	case KindDeposit, KindPaymentIn:
		needDest = true
	case KindWithdrawal, KindPaymentOut, KindExpense:
		needSource = true
	case KindTransfer:
		needSource, needDest = true, true
	}

	if err := requireField("source_account_id", r.SourceAccountID, needSource); err != nil {
		return err
	}
	if err := requireField("destination_account_id", r.DestinationAccountID, needDest); err != nil {
		return err
	}
	relatedField := "related_id"
	if t := r.Kind.RelatedType(); t != RelatedNone {
		relatedField = string(t) + "_id"
	}
	if err := requireField(relatedField, r.RelatedID, r.Kind.RelatedType() != RelatedNone); err != nil {
		return err
	}

	if r.Kind == KindTransfer && *r.SourceAccountID == *r.DestinationAccountID {
		return errors.ErrSameAccountTransfer.WithField("destination_account_id")
	}
	return nil
}

func requireField(name string, value *int64, required bool) error {
	switch {
	case required && value == nil:
		return errors.NewAppErrorf(errors.InvalidInput, "%s is required", name).WithField(name)
	case required && *value <= 0:
		return errors.NewAppErrorf(errors.InvalidInput, "%s must be positive", name).WithField(name)
	case !required && value != nil:
		return errors.NewAppErrorf(errors.InvalidInput, "%s is not allowed for this kind", name).WithField(name)
	}
	return nil
}

// NewOperation builds the pending record for a validated request.
func NewOperation(req *OperationRequest, sequence int64, now time.Time) *Operation {
	return &Operation{
		ID:                   uuid.New(),
		Kind:                 req.Kind,
		Sequence:             sequence,
		Amount:               req.Amount,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		RelatedType:          req.Kind.RelatedType(),
		RelatedID:            req.RelatedID,
		Description:          req.Description,
		IdempotencyKey:       req.IdempotencyKey,
		CreatedAt:            now,
	}
}

// NewReversal builds the compensating record for original.
func NewReversal(original *Operation, sequence int64, description string, now time.Time) *Operation {
	id := original.ID
	return &Operation{
		ID:                   uuid.New(),
		Kind:                 KindReversal,
		Sequence:             sequence,
		Amount:               original.Amount,
		SourceAccountID:      original.DestinationAccountID,
		DestinationAccountID: original.SourceAccountID,
		RelatedType:          original.RelatedType,
		RelatedID:            original.RelatedID,
		ReversesID:           &id,
		Description:          description,
		CreatedAt:            now,
	}
}

// OperationFilter narrows operation listings. Zero values match everything,
// except Status: an empty status matches committed operations only.
type OperationFilter struct {
	Kind      OperationKind
	AccountID *int64
	Status    OperationStatus
	RelatedID *int64
	From      *time.Time
	To        *time.Time
}

// Matches reports whether op passes the filter.
func (f OperationFilter) Matches(op *Operation) bool {
	if f.Kind != "" && op.Kind != f.Kind {
		return false
	}
	if f.Status == "" && !op.Status.Committed() {
		return false
	}
	if f.Status != "" && op.Status != f.Status {
		return false
	}
	if f.AccountID != nil && !touches(op, *f.AccountID) {
		return false
	}
	if f.RelatedID != nil && (op.RelatedID == nil || *op.RelatedID != *f.RelatedID) {
		return false
	}
	if f.From != nil && op.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !op.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func touches(op *Operation, id int64) bool {
	return (op.SourceAccountID != nil && *op.SourceAccountID == id) ||
		(op.DestinationAccountID != nil && *op.DestinationAccountID == id)
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize clamps the page into its allowed range.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// OperationRepository is the audit log storage. Records are inserted once;
// MarkReversed is the only update.
type OperationRepository interface {
	RecordOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error)
	// GetOperationByIdempotencyKey returns nil, nil when the key is unknown.
	GetOperationByIdempotencyKey(ctx context.Context, key uuid.UUID) (*Operation, error)
	// MarkReversed flips an applied operation to reversed.
	MarkReversed(ctx context.Context, id uuid.UUID) error
	ListOperations(ctx context.Context, filter OperationFilter, page Page) ([]*Operation, error)
}

// SequenceRepository hands out per-kind counter values.
type SequenceRepository interface {
	NextValue(ctx context.Context, kind OperationKind) (int64, error)
}

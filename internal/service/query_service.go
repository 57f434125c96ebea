package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-engine/internal/audit"
	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

// QueryService serves read-only views. It never takes account locks.
// Operation history is read through the audit log.
type QueryService struct {
	store    domain.Store
	history  *audit.Log
	currency string
	logger   *slog.Logger
}

func NewQueryService(store domain.Store, history *audit.Log, currency string, logger *slog.Logger) *QueryService {
	if money.GetCurrency(strings.ToUpper(currency)) == nil {
		logger.Warn("Unknown display currency, falling back to USD", "currency", currency)
		currency = money.USD
	}
	return &QueryService{
		store:    store,
		history:  history,
		currency: strings.ToUpper(currency),
		logger:   logger,
	}
}

type Balance struct {
	AccountID int64           `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Display   string          `json:"display"`
	AsOf      time.Time       `json:"as_of"`
}

func (s *QueryService) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if id <= 0 {
		return nil, errors.ErrInvalidAccountID
	}
	return s.store.Account().GetAccount(ctx, id)
}

func (s *QueryService) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	return s.store.Account().ListAccounts(ctx)
}

func (s *QueryService) GetBalance(ctx context.Context, id int64) (*Balance, error) {
	account, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Balance{
		AccountID: account.ID,
		Balance:   account.Balance,
		Display:   s.Format(account.Balance),
		AsOf:      time.Now().UTC(),
	}, nil
}

func (s *QueryService) GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	return s.store.Operation().GetOperation(ctx, id)
}

func (s *QueryService) ListOperations(ctx context.Context, filter domain.OperationFilter, page domain.Page) ([]*domain.Operation, error) {
	if err := checkKind(filter.Kind); err != nil {
		return nil, err
	}
	if err := checkPage(page); err != nil {
		return nil, err
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, errors.NewAppError(errors.InvalidInput, "to must not be before from").WithField("to")
	}
	return s.history.Query(ctx, filter, page)
}

// AccountOperations lists the committed operations touching an account.
func (s *QueryService) AccountOperations(ctx context.Context, id int64, page domain.Page) ([]*domain.Operation, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	if err := checkPage(page); err != nil {
		return nil, err
	}
	return s.history.QueryByAccount(ctx, id, page)
}

// KindOperations lists the committed operations of one kind.
func (s *QueryService) KindOperations(ctx context.Context, kind domain.OperationKind, page domain.Page) ([]*domain.Operation, error) {
	if kind == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "kind is required").WithField("kind")
	}
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if err := checkPage(page); err != nil {
		return nil, err
	}
	return s.history.QueryByKind(ctx, kind, page)
}

func checkKind(kind domain.OperationKind) error {
	if kind != "" && !kind.Valid() {
		return errors.NewAppErrorf(errors.InvalidInput, "unknown operation kind %q", kind).WithField("kind")
	}
	return nil
}

func checkPage(page domain.Page) error {
	if page.Limit > domain.MaxPageLimit {
		return errors.NewAppErrorf(errors.InvalidInput, "limit must not exceed %d", domain.MaxPageLimit).WithField("limit")
	}
	return nil
}

// Receipt is a point-in-time snapshot of a customer payment.
type Receipt struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Sequence    int64           `json:"sequence"`
	Amount      decimal.Decimal `json:"amount"`
	Display     string          `json:"display"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	Status      string          `json:"status"`
	PaidAt      time.Time       `json:"paid_at"`
	IssuedAt    time.Time       `json:"issued_at"`
	Account     *domain.Account `json:"account"`
	Customer    *domain.Party   `json:"customer"`
}

func (s *QueryService) Receipt(ctx context.Context, operationID uuid.UUID) (*Receipt, error) {
	op, err := s.store.Operation().GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if op.Kind != domain.KindPaymentIn {
		return nil, errors.NewAppError(errors.InvalidInput, "receipts are only issued for customer payments").WithField("operation_id")
	}
	if !op.Status.Committed() {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "operation is %s", op.Status).WithField("operation_id")
	}

	account, err := s.store.Account().GetAccount(ctx, *op.DestinationAccountID)
	if err != nil {
		return nil, err
	}
	customer, err := s.store.Party().GetParty(ctx, domain.PartyCustomer, *op.RelatedID)
	if err != nil {
		return nil, err
	}

	return &Receipt{
		OperationID: op.ID,
		Sequence:    op.Sequence,
		Amount:      op.Amount,
		Display:     s.Format(op.Amount),
		Currency:    s.currency,
		Description: op.Description,
		Status:      string(op.Status),
		PaidAt:      op.CreatedAt,
		IssuedAt:    time.Now().UTC(),
		Account:     account,
		Customer:    customer,
	}, nil
}

// Format renders an amount in the display currency, e.g. "$1,234.50".
// Amounts whose minor units overflow int64 keep the currency template but
// skip thousands grouping.
func (s *QueryService) Format(amount decimal.Decimal) string {
	cur := money.GetCurrency(s.currency)
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	if minor.BigInt().IsInt64() {
		return money.New(minor.IntPart(), s.currency).Display()
	}

	digits := amount.Abs().StringFixed(int32(cur.Fraction))
	if cur.Decimal != "." {
		digits = strings.Replace(digits, ".", cur.Decimal, 1)
	}
	out := strings.Replace(cur.Template, "1", digits, 1)
	out = strings.Replace(out, "$", cur.Grapheme, 1)
	if amount.IsNegative() {
		out = "-" + out
	}
	return out
}

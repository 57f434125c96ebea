package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

func TestGetBalance(t *testing.T) {
	l := newTestLedger(t, false, nil)
	l.account(t, 1, "1234.5")

	b, err := l.query.GetBalance(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, "1234.5", b.Balance.String())
	assert.Equal(t, "$1,234.50", b.Display)

	_, err = l.query.GetBalance(context.Background(), 2)
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))

	_, err = l.query.GetBalance(context.Background(), 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidAccountID))
}

func TestListOperationsFilters(t *testing.T) {
	l := newTestLedger(t, false, nil)
	ctx := context.Background()
	l.account(t, 1, "100")
	l.account(t, 2, "0")

	_, err := l.ledger.Apply(ctx, deposit(1, "5"))
	require.NoError(t, err)
	_, err = l.ledger.Apply(ctx, transfer(1, 2, "20"))
	require.NoError(t, err)
	_, err = l.ledger.Apply(ctx, withdrawal(2, "1"))
	require.NoError(t, err)

	transfers, err := l.query.ListOperations(ctx, domain.OperationFilter{Kind: domain.KindTransfer}, domain.Page{})
	require.NoError(t, err)
	assert.Len(t, transfers, 1)

	forTwo, err := l.query.AccountOperations(ctx, 2, domain.Page{})
	require.NoError(t, err)
	require.Len(t, forTwo, 2)
	assert.Equal(t, domain.KindWithdrawal, forTwo[0].Kind)

	future := time.Now().Add(time.Hour)
	none, err := l.query.ListOperations(ctx, domain.OperationFilter{From: &future}, domain.Page{})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = l.query.ListOperations(ctx, domain.OperationFilter{Kind: "refund"}, domain.Page{})
	assert.Error(t, err)

	_, err = l.query.ListOperations(ctx, domain.OperationFilter{}, domain.Page{Limit: 501})
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "limit", appErr.Field)

	_, err = l.query.AccountOperations(ctx, 42, domain.Page{})
	assert.True(t, errors.Is(err, errors.ErrAccountNotFound))
}

func TestReceipt(t *testing.T) {
	l := newTestLedger(t, false, nil)
	ctx := context.Background()
	l.account(t, 1, "0")
	_, err := l.parties.CreateParty(ctx, domain.PartyCustomer, 5, "Acme", amt("100"))
	require.NoError(t, err)

	payment, err := l.ledger.Apply(ctx, &domain.OperationRequest{
		Kind: domain.KindPaymentIn, Amount: amt("30"), DestinationAccountID: id(1), RelatedID: id(5), Description: "invoice 7",
	})
	require.NoError(t, err)

	r, err := l.query.Receipt(ctx, payment.ID)

	require.NoError(t, err)
	assert.Equal(t, payment.ID, r.OperationID)
	assert.Equal(t, "$30.00", r.Display)
	assert.Equal(t, "USD", r.Currency)
	assert.Equal(t, "Acme", r.Customer.Name)
	assert.Equal(t, "70", r.Customer.Outstanding.String())
	assert.Equal(t, int64(1), r.Account.ID)

	dep, err := l.ledger.Apply(ctx, deposit(1, "1"))
	require.NoError(t, err)
	_, err = l.query.Receipt(ctx, dep.ID)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidInput, appErr.Code)
}

func TestQueryServiceUnknownCurrencyFallsBack(t *testing.T) {
	q := NewQueryService(nil, nil, "XXXX", discardLogger())
	assert.Equal(t, "USD", q.currency)
	assert.Equal(t, "$0.10", q.Format(amt("0.1")))
}

func TestFormatBeyondMinorUnitRange(t *testing.T) {
	q := NewQueryService(nil, nil, "USD", discardLogger())
	assert.Equal(t, "$1,234.50", q.Format(amt("1234.5")))
	assert.Equal(t, "$100000000000000000000000.00", q.Format(amt("100000000000000000000000")))
	assert.Equal(t, "-$100000000000000000000000.00", q.Format(amt("-100000000000000000000000")))
}

func TestDepositBeyondStoredPrecisionIsRejected(t *testing.T) {
	l := newTestLedger(t, false, nil)
	l.account(t, 1, "0")

	_, err := l.ledger.Apply(context.Background(), deposit(1, "100000000000000000000000"))

	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.InvalidAmount, appErr.Code)
	assert.Equal(t, "0.00", l.balance(t, 1))
}

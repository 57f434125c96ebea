package service

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
	"ledger-engine/internal/events"
)

type LedgerServiceTestSuite struct {
	suite.Suite
	l   *testLedger
	ctx context.Context
}

func (s *LedgerServiceTestSuite) SetupTest() {
	s.l = newTestLedger(s.T(), false, nil)
	s.ctx = context.Background()
}

func (s *LedgerServiceTestSuite) TestDepositAppliesWithFirstSequence() {
	s.l.account(s.T(), 1, "100")

	op, err := s.l.ledger.Apply(s.ctx, deposit(1, "50"))

	s.Require().NoError(err)
	s.Equal(domain.StatusApplied, op.Status)
	s.Equal(int64(1), op.Sequence)
	s.Equal("150.00", s.l.balance(s.T(), 1))
	s.Equal([]events.EventType{events.OperationApplied}, s.l.published.types())
}

func (s *LedgerServiceTestSuite) TestTransferMovesFundsBetweenAccounts() {
	s.l.account(s.T(), 1, "150")
	s.l.account(s.T(), 2, "0")

	op, err := s.l.ledger.Apply(s.ctx, transfer(1, 2, "40.25"))

	s.Require().NoError(err)
	s.Equal(domain.KindTransfer, op.Kind)
	s.Equal("109.75", s.l.balance(s.T(), 1))
	s.Equal("40.25", s.l.balance(s.T(), 2))
}

func (s *LedgerServiceTestSuite) TestTransferInsufficientFundsLeavesBalances() {
	s.l.account(s.T(), 1, "150")
	s.l.account(s.T(), 2, "0")

	_, err := s.l.ledger.Apply(s.ctx, transfer(1, 2, "200"))

	s.True(errors.Is(err, errors.ErrInsufficientFunds))
	s.Equal("150.00", s.l.balance(s.T(), 1))
	s.Equal("0.00", s.l.balance(s.T(), 2))

	// the rejected request did not consume a number
	op, err := s.l.ledger.Apply(s.ctx, transfer(1, 2, "100"))
	s.Require().NoError(err)
	s.Equal(int64(1), op.Sequence)
}

func (s *LedgerServiceTestSuite) TestOverdraftAllowedByPolicy() {
	l := newTestLedger(s.T(), true, nil)
	l.account(s.T(), 1, "10")

	_, err := l.ledger.Apply(s.ctx, withdrawal(1, "25"))

	s.Require().NoError(err)
	s.Equal("-15.00", l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestValidationFailuresDoNotMutate() {
	s.l.account(s.T(), 1, "100")

	cases := []struct {
		name  string
		req   *domain.OperationRequest
		code  errors.ErrorCode
		field string
	}{
		{"zero amount", deposit(1, "0"), errors.InvalidAmount, "amount"},
		{"negative amount", withdrawal(1, "-5"), errors.InvalidAmount, "amount"},
		{"missing destination", &domain.OperationRequest{Kind: domain.KindDeposit, Amount: amt("5")}, errors.InvalidInput, "destination_account_id"},
		{"stray source on deposit", &domain.OperationRequest{Kind: domain.KindDeposit, Amount: amt("5"), SourceAccountID: id(1), DestinationAccountID: id(1)}, errors.InvalidInput, "source_account_id"},
		{"same account transfer", transfer(1, 1, "5"), errors.SameAccountTransfer, "destination_account_id"},
		{"unknown account", deposit(99, "5"), errors.AccountNotFound, "destination_account_id"},
		{"unknown kind", &domain.OperationRequest{Kind: "refund", Amount: amt("5")}, errors.InvalidInput, "kind"},
		{"payment without customer", &domain.OperationRequest{Kind: domain.KindPaymentIn, Amount: amt("5"), DestinationAccountID: id(1)}, errors.InvalidInput, "customer_id"},
		{"unknown customer", &domain.OperationRequest{Kind: domain.KindPaymentIn, Amount: amt("5"), DestinationAccountID: id(1), RelatedID: id(7)}, errors.CustomerNotFound, "customer_id"},
		{"unknown category", &domain.OperationRequest{Kind: domain.KindExpense, Amount: amt("5"), SourceAccountID: id(1), RelatedID: id(7)}, errors.CategoryNotFound, "category_id"},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.l.ledger.Apply(s.ctx, tc.req)
			appErr, ok := errors.As(err)
			s.Require().True(ok, "expected AppError, got %v", err)
			s.Equal(tc.code, appErr.Code)
			s.Equal(tc.field, appErr.Field)
		})
	}

	s.Equal("100.00", s.l.balance(s.T(), 1))
	all, err := s.l.query.ListOperations(s.ctx, domain.OperationFilter{Status: domain.StatusFailed}, domain.Page{})
	s.Require().NoError(err)
	s.Empty(all, "validation failures are not audited")
}

func (s *LedgerServiceTestSuite) TestPaymentInSettlesCustomer() {
	s.l.account(s.T(), 1, "0")
	_, err := s.l.parties.CreateParty(s.ctx, domain.PartyCustomer, 5, "Acme", amt("100"))
	s.Require().NoError(err)

	op, err := s.l.ledger.Apply(s.ctx, &domain.OperationRequest{
		Kind: domain.KindPaymentIn, Amount: amt("30"), DestinationAccountID: id(1), RelatedID: id(5),
	})

	s.Require().NoError(err)
	s.Equal(domain.RelatedCustomer, op.RelatedType)
	s.Equal("30.00", s.l.balance(s.T(), 1))
	s.Equal("70.00", s.l.outstanding(s.T(), domain.PartyCustomer, 5))
}

func (s *LedgerServiceTestSuite) TestPaymentOutSettlesSupplier() {
	s.l.account(s.T(), 1, "100")
	_, err := s.l.parties.CreateParty(s.ctx, domain.PartySupplier, 8, "Paper Co", amt("60"))
	s.Require().NoError(err)

	_, err = s.l.ledger.Apply(s.ctx, &domain.OperationRequest{
		Kind: domain.KindPaymentOut, Amount: amt("45"), SourceAccountID: id(1), RelatedID: id(8),
	})

	s.Require().NoError(err)
	s.Equal("55.00", s.l.balance(s.T(), 1))
	s.Equal("15.00", s.l.outstanding(s.T(), domain.PartySupplier, 8))
}

func (s *LedgerServiceTestSuite) TestExpenseDebitsOnly() {
	s.l.account(s.T(), 1, "100")
	_, err := s.l.parties.CreateCategory(s.ctx, 3, "Rent")
	s.Require().NoError(err)

	op, err := s.l.ledger.Apply(s.ctx, &domain.OperationRequest{
		Kind: domain.KindExpense, Amount: amt("80"), SourceAccountID: id(1), RelatedID: id(3), Description: "march rent",
	})

	s.Require().NoError(err)
	s.Equal(domain.RelatedCategory, op.RelatedType)
	s.Equal("20.00", s.l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestIdempotencyKeyReturnsOriginal() {
	s.l.account(s.T(), 1, "0")
	key := uuid.New()
	req := deposit(1, "10")
	req.IdempotencyKey = &key

	first, err := s.l.ledger.Apply(s.ctx, req)
	s.Require().NoError(err)
	second, err := s.l.ledger.Apply(s.ctx, req)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.Equal("10.00", s.l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestIdempotencyRaceLoserLeavesNoAuditEntry() {
	misses := 1
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		return staleKeyStore{Store: inner, misses: &misses}
	})
	l.account(s.T(), 1, "0")
	key := uuid.New()

	first := deposit(1, "10")
	first.IdempotencyKey = &key
	winner, err := l.ledger.Apply(s.ctx, first)
	s.Require().NoError(err)

	// the second request's lookup misses the winner and reaches the insert
	second := deposit(1, "10")
	second.IdempotencyKey = &key
	got, err := l.ledger.Apply(s.ctx, second)
	s.Require().NoError(err)

	s.Equal(winner.ID, got.ID)
	s.Equal("10.00", l.balance(s.T(), 1))
	failed, err := l.query.ListOperations(s.ctx, domain.OperationFilter{Status: domain.StatusFailed}, domain.Page{})
	s.Require().NoError(err)
	s.Empty(failed)
	s.Equal([]events.EventType{events.OperationApplied}, l.published.types())
}

func (s *LedgerServiceTestSuite) TestFailedAttemptReleasesIdempotencyKey() {
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		return &faultyStore{Store: inner, wrapTx: func(tx domain.Store) domain.Store {
			return partyFaultTx{Store: tx, err: errors.NewAppError(errors.InternalError, "supplier ledger unavailable")}
		}}
	})
	l.account(s.T(), 1, "50")
	_, err := l.parties.CreateParty(s.ctx, domain.PartySupplier, 2, "Paper Co", amt("20"))
	s.Require().NoError(err)
	key := uuid.New()

	_, err = l.ledger.Apply(s.ctx, &domain.OperationRequest{
		Kind: domain.KindPaymentOut, Amount: amt("5"), SourceAccountID: id(1), RelatedID: id(2), IdempotencyKey: &key,
	})
	s.Require().Error(err)

	req := withdrawal(1, "5")
	req.IdempotencyKey = &key
	op, err := l.ledger.Apply(s.ctx, req)

	s.Require().NoError(err)
	s.Equal(domain.KindWithdrawal, op.Kind)
	s.Equal("45.00", l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestPaymentInCustomerLegFailureRollsBack() {
	legErr := errors.NewAppError(errors.InternalError, "customer ledger unavailable")
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		return &faultyStore{Store: inner, wrapTx: func(tx domain.Store) domain.Store {
			return partyFaultTx{Store: tx, err: legErr}
		}}
	})
	l.account(s.T(), 1, "0")
	_, err := l.parties.CreateParty(s.ctx, domain.PartyCustomer, 5, "Acme", amt("100"))
	s.Require().NoError(err)

	res := l.ledger.Submit(s.ctx, &OperationInput{
		Kind: "payment_in", Amount: "30", DestinationAccountID: id(1), CustomerID: id(5),
	})

	s.False(res.Success)
	s.Equal(errors.InternalError, res.ErrorKind)
	s.Equal("0.00", l.balance(s.T(), 1))
	s.Equal("100.00", l.outstanding(s.T(), domain.PartyCustomer, 5))

	failed, err := l.query.ListOperations(s.ctx, domain.OperationFilter{Status: domain.StatusFailed}, domain.Page{})
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(int64(1), failed[0].Sequence)
	s.Contains(failed[0].FailureReason, "customer ledger unavailable")
	s.Empty(l.published.types())
}

func (s *LedgerServiceTestSuite) TestRollbackFailureIsInconsistent() {
	legErr := errors.NewAppError(errors.InternalError, "disk full")
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		return &faultyStore{
			Store:         inner,
			rollbackFails: true,
			wrapTx: func(tx domain.Store) domain.Store {
				return partyFaultTx{Store: tx, err: legErr}
			},
		}
	})
	l.account(s.T(), 1, "0")
	_, err := l.parties.CreateParty(s.ctx, domain.PartyCustomer, 5, "Acme", amt("100"))
	s.Require().NoError(err)

	_, err = l.ledger.Apply(s.ctx, &domain.OperationRequest{
		Kind: domain.KindPaymentIn, Amount: amt("30"), DestinationAccountID: id(1), RelatedID: id(5),
	})

	s.True(errors.Is(err, errors.ErrInconsistent))

	flagged, err := l.query.ListOperations(s.ctx, domain.OperationFilter{Status: domain.StatusInconsistent}, domain.Page{})
	s.Require().NoError(err)
	s.Require().Len(flagged, 1)

	pending, err := l.mem.Reconciliation().ListPending(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(flagged[0].ID, pending[0].OperationID)
	s.Contains(pending[0].Reason, "rollback")
}

func (s *LedgerServiceTestSuite) TestTransientFailureIsRetriedWithSameSequence() {
	failures := 2
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		return &faultyStore{Store: inner, wrapTx: func(tx domain.Store) domain.Store {
			return lockFaultTx{Store: tx, failures: &failures}
		}}
	})
	l.account(s.T(), 1, "0")

	op, err := l.ledger.Apply(s.ctx, deposit(1, "10"))

	s.Require().NoError(err)
	s.Equal(0, failures)
	s.Equal(int64(1), op.Sequence)
	s.Equal("10.00", l.balance(s.T(), 1))

	next, err := l.ledger.Apply(s.ctx, deposit(1, "1"))
	s.Require().NoError(err)
	s.Equal(int64(2), next.Sequence)
}

func (s *LedgerServiceTestSuite) TestLostCommitAcknowledgementIsNotReapplied() {
	var fs *faultyStore
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		fs = &faultyStore{Store: inner, lostAcks: 1}
		return fs
	})
	l.account(s.T(), 1, "0")

	op, err := l.ledger.Apply(s.ctx, deposit(1, "10"))

	s.Require().NoError(err)
	s.Equal(1, fs.commits)
	s.Equal(domain.StatusApplied, op.Status)
	s.Equal("10.00", l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestRetriesExhausted() {
	failures := 100
	l := newTestLedger(s.T(), false, func(inner domain.Store) domain.Store {
		return &faultyStore{Store: inner, wrapTx: func(tx domain.Store) domain.Store {
			return lockFaultTx{Store: tx, failures: &failures}
		}}
	})
	l.account(s.T(), 1, "0")

	_, err := l.ledger.Apply(s.ctx, deposit(1, "10"))

	s.True(errors.Is(err, errors.ErrConcurrentModification))
	s.Equal("0.00", l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestCancelledContextDoesNotMutate() {
	s.l.account(s.T(), 1, "0")
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.l.ledger.Apply(ctx, deposit(1, "10"))

	s.ErrorIs(err, context.Canceled)
	s.Equal("0.00", s.l.balance(s.T(), 1))
}

func (s *LedgerServiceTestSuite) TestReverseRestoresBalancesAndParty() {
	s.l.account(s.T(), 1, "0")
	_, err := s.l.parties.CreateParty(s.ctx, domain.PartyCustomer, 5, "Acme", amt("100"))
	s.Require().NoError(err)

	payment, err := s.l.ledger.Apply(s.ctx, &domain.OperationRequest{
		Kind: domain.KindPaymentIn, Amount: amt("30"), DestinationAccountID: id(1), RelatedID: id(5),
	})
	s.Require().NoError(err)

	reversal, err := s.l.ledger.Reverse(s.ctx, payment.ID, "")
	s.Require().NoError(err)

	s.Equal(domain.KindReversal, reversal.Kind)
	s.Equal(payment.ID, *reversal.ReversesID)
	s.Equal(int64(1), reversal.Sequence)
	s.Equal("0.00", s.l.balance(s.T(), 1))
	s.Equal("100.00", s.l.outstanding(s.T(), domain.PartyCustomer, 5))

	original, err := s.l.query.GetOperation(s.ctx, payment.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusReversed, original.Status)
	s.Equal(
		[]events.EventType{events.OperationApplied, events.OperationReversed, events.OperationApplied},
		s.l.published.types())

	_, err = s.l.ledger.Reverse(s.ctx, payment.ID, "")
	s.True(errors.Is(err, errors.ErrAlreadyReversed))

	_, err = s.l.ledger.Reverse(s.ctx, reversal.ID, "")
	appErr, ok := errors.As(err)
	s.Require().True(ok)
	s.Equal(errors.InvalidInput, appErr.Code)

	_, err = s.l.ledger.Reverse(s.ctx, uuid.New(), "")
	s.True(errors.Is(err, errors.ErrOperationNotFound))
}

func (s *LedgerServiceTestSuite) TestReverseDepositNeedsFunds() {
	s.l.account(s.T(), 1, "0")
	s.l.account(s.T(), 2, "0")
	dep, err := s.l.ledger.Apply(s.ctx, deposit(1, "50"))
	s.Require().NoError(err)
	_, err = s.l.ledger.Apply(s.ctx, transfer(1, 2, "40"))
	s.Require().NoError(err)

	_, err = s.l.ledger.Reverse(s.ctx, dep.ID, "")

	s.True(errors.Is(err, errors.ErrInsufficientFunds))
	original, err := s.l.query.GetOperation(s.ctx, dep.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusApplied, original.Status)
}

func (s *LedgerServiceTestSuite) TestConcurrentReversalsApplyOnce() {
	s.l.account(s.T(), 1, "0")
	dep, err := s.l.ledger.Apply(s.ctx, deposit(1, "50"))
	s.Require().NoError(err)

	const n = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.l.ledger.Reverse(s.ctx, dep.ID, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	s.Equal(1, succeeded)
	s.Equal("0.00", s.l.balance(s.T(), 1))
}

func TestLedgerServiceTestSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceTestSuite))
}

func TestConcurrentDepositsGetDistinctSequences(t *testing.T) {
	l := newTestLedger(t, false, nil)
	l.account(t, 1, "0")
	ctx := context.Background()

	var wg sync.WaitGroup
	ops := make([]*domain.Operation, 2)
	for i := range ops {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op, err := l.ledger.Apply(ctx, deposit(1, "10"))
			assert.NoError(t, err)
			ops[i] = op
		}(i)
	}
	wg.Wait()

	require.NotNil(t, ops[0])
	require.NotNil(t, ops[1])
	assert.Equal(t, "20.00", l.balance(t, 1))
	assert.ElementsMatch(t, []int64{1, 2}, []int64{ops[0].Sequence, ops[1].Sequence})
}

func TestConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	l := newTestLedger(t, false, nil)
	l.account(t, 1, "100")
	ctx := context.Background()

	const n = 25
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ledger.Apply(ctx, withdrawal(1, "10"))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, errors.ErrInsufficientFunds) {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, n-10, rejected)
	assert.Equal(t, "0.00", l.balance(t, 1))
}

// The committed operations touching an account explain its balance exactly.
func TestSignedAmountsMatchBalance(t *testing.T) {
	l := newTestLedger(t, false, nil)
	ctx := context.Background()
	l.account(t, 1, "500")
	l.account(t, 2, "250")
	l.account(t, 3, "0")
	_, err := l.parties.CreateParty(ctx, domain.PartyCustomer, 9, "Acme", amt("1000"))
	require.NoError(t, err)

	reqs := []*domain.OperationRequest{
		deposit(1, "12.34"),
		transfer(1, 2, "100"),
		transfer(2, 3, "300"),
		withdrawal(3, "50.5"),
		transfer(3, 1, "1000"), // insufficient
		{Kind: domain.KindPaymentIn, Amount: amt("75"), DestinationAccountID: id(2), RelatedID: id(9)},
		deposit(3, "0.01"),
	}

	var wg sync.WaitGroup
	for round := 0; round < 4; round++ {
		for _, req := range reqs {
			wg.Add(1)
			go func(r domain.OperationRequest) {
				defer wg.Done()
				_, _ = l.ledger.Apply(ctx, &r)
			}(*req)
		}
	}
	wg.Wait()

	// reverse something so reversed records take part as well
	applied, err := l.query.ListOperations(ctx, domain.OperationFilter{Kind: domain.KindTransfer}, domain.Page{Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	_, _ = l.ledger.Reverse(ctx, applied[0].ID, "")

	for _, accountID := range []int64{1, 2, 3} {
		acc, err := l.query.GetAccount(ctx, accountID)
		require.NoError(t, err)

		ops, err := l.query.AccountOperations(ctx, accountID, domain.Page{Limit: domain.MaxPageLimit})
		require.NoError(t, err)

		sum := decimal.Zero
		for _, op := range ops {
			sum = sum.Add(op.SignedAmount(accountID))
		}
		assert.True(t, sum.Equal(acc.Balance.Sub(acc.InitialBalance)),
			"account %d: sum %s, balance %s, initial %s", accountID, sum, acc.Balance, acc.InitialBalance)
	}
}

func TestTransferEqualsWithdrawalPlusDeposit(t *testing.T) {
	ctx := context.Background()

	a := newTestLedger(t, false, nil)
	a.account(t, 1, "100")
	a.account(t, 2, "10")
	_, err := a.ledger.Apply(ctx, transfer(1, 2, "35"))
	require.NoError(t, err)

	b := newTestLedger(t, false, nil)
	b.account(t, 1, "100")
	b.account(t, 2, "10")
	_, err = b.ledger.Apply(ctx, withdrawal(1, "35"))
	require.NoError(t, err)
	_, err = b.ledger.Apply(ctx, deposit(2, "35"))
	require.NoError(t, err)

	assert.Equal(t, b.balance(t, 1), a.balance(t, 1))
	assert.Equal(t, b.balance(t, 2), a.balance(t, 2))
}

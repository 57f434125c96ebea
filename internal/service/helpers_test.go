package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledger-engine/internal/audit"
	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
	"ledger-engine/internal/events"
	"ledger-engine/internal/repository/memory"
	"ledger-engine/internal/retry"
	"ledger-engine/internal/sequence"
)

var testPolicy = retry.Policy{
	MaxRetries:      3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) types() []events.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type testLedger struct {
	mem       *memory.Store
	ledger    *LedgerService
	query     *QueryService
	parties   *PartyService
	accounts  *AccountService
	published *capturePublisher
}

// newTestLedger wires the services over a memory store. wrap, when set,
// decorates the store the processor writes through.
func newTestLedger(t *testing.T, allowOverdraft bool, wrap func(domain.Store) domain.Store) *testLedger {
	t.Helper()
	mem := memory.NewStore()
	var store domain.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	logger := discardLogger()
	pub := &capturePublisher{}
	allocator := sequence.NewAllocator(store.Sequence(), testPolicy, logger)
	auditLog := audit.NewLog(store, pub, logger)

	return &testLedger{
		mem:       mem,
		ledger:    NewLedgerService(store, allocator, auditLog, LedgerOptions{AllowOverdraft: allowOverdraft, Retry: testPolicy}, logger),
		query:     NewQueryService(mem, audit.NewLog(mem, nil, logger), "USD", logger),
		parties:   NewPartyService(mem, logger),
		accounts:  NewAccountService(mem, logger),
		published: pub,
	}
}

func (l *testLedger) account(t *testing.T, id int64, balance string) {
	t.Helper()
	_, err := l.accounts.CreateAccount(context.Background(), &CreateAccountRequest{
		ID:             id,
		Name:           "account",
		InitialBalance: decimal.RequireFromString(balance),
	})
	require.NoError(t, err)
}

func (l *testLedger) balance(t *testing.T, id int64) string {
	t.Helper()
	acc, err := l.query.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance.StringFixed(2)
}

func (l *testLedger) outstanding(t *testing.T, kind domain.PartyKind, id int64) string {
	t.Helper()
	p, err := l.parties.GetParty(context.Background(), kind, id)
	require.NoError(t, err)
	return p.Outstanding.StringFixed(2)
}

func id(v int64) *int64 { return &v }

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func deposit(dest int64, amount string) *domain.OperationRequest {
	return &domain.OperationRequest{Kind: domain.KindDeposit, Amount: amt(amount), DestinationAccountID: id(dest)}
}

func withdrawal(source int64, amount string) *domain.OperationRequest {
	return &domain.OperationRequest{Kind: domain.KindWithdrawal, Amount: amt(amount), SourceAccountID: id(source)}
}

func transfer(source, dest int64, amount string) *domain.OperationRequest {
	return &domain.OperationRequest{Kind: domain.KindTransfer, Amount: amt(amount), SourceAccountID: id(source), DestinationAccountID: id(dest)}
}

// faultyStore injects failures around the memory store's transactions.
type faultyStore struct {
	domain.Store

	mu sync.Mutex
	// wrapTx decorates the transaction-scoped store.
	wrapTx func(domain.Store) domain.Store
	// lostAcks reports this many successful commits as connection losses.
	lostAcks int
	// rollbackFails turns every failed transaction into a rollback failure.
	rollbackFails bool
	commits       int
}

func (f *faultyStore) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	err := f.Store.WithTransaction(ctx, func(tx domain.Store) error {
		if f.wrapTx != nil {
			tx = f.wrapTx(tx)
		}
		return fn(tx)
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		if f.rollbackFails {
			return errors.ErrInconsistent.WithDetails("rollback: connection reset by peer")
		}
		return err
	}
	f.commits++
	if f.lostAcks > 0 {
		f.lostAcks--
		return errors.ErrPersistence.WithDetails("connection lost during commit")
	}
	return nil
}

type partyFaultTx struct {
	domain.Store
	err error
}

func (t partyFaultTx) Party() domain.PartyRepository {
	return partyFaultRepo{PartyRepository: t.Store.Party(), err: t.err}
}

type partyFaultRepo struct {
	domain.PartyRepository
	err error
}

func (r partyFaultRepo) AdjustOutstanding(context.Context, domain.PartyKind, int64, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, r.err
}

// lockFaultTx fails LockAccounts while failures remain.
type lockFaultTx struct {
	domain.Store
	failures *int
}

func (t lockFaultTx) Account() domain.AccountRepository {
	return lockFaultRepo{AccountRepository: t.Store.Account(), failures: t.failures}
}

type lockFaultRepo struct {
	domain.AccountRepository
	failures *int
}

func (r lockFaultRepo) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*domain.Account, error) {
	if *r.failures > 0 {
		*r.failures--
		return nil, errors.ErrConcurrentModification.WithDetails("deadlock detected")
	}
	return r.AccountRepository.LockAccounts(ctx, ids...)
}

// staleKeyStore hides existing idempotency keys from the first lookups,
// as a concurrent request would see them before the winner commits.
type staleKeyStore struct {
	domain.Store
	misses *int
}

func (s staleKeyStore) Operation() domain.OperationRepository {
	return staleKeyRepo{OperationRepository: s.Store.Operation(), misses: s.misses}
}

type staleKeyRepo struct {
	domain.OperationRepository
	misses *int
}

func (r staleKeyRepo) GetOperationByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.Operation, error) {
	existing, err := r.OperationRepository.GetOperationByIdempotencyKey(ctx, key)
	if existing != nil && *r.misses > 0 {
		*r.misses--
		return nil, err
	}
	return existing, err
}

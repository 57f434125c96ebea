package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

type partyKey struct {
	kind domain.PartyKind
	id   int64
}

// state is the committed data shared by every Store handle.
type state struct {
	mu             sync.RWMutex
	accounts       map[int64]*domain.Account
	parties        map[partyKey]*domain.Party
	categories     map[int64]*domain.Category
	operations     []*domain.Operation
	byID           map[uuid.UUID]*domain.Operation
	byKey          map[uuid.UUID]*domain.Operation
	bySequence     map[domain.OperationKind]map[int64]bool
	reconciliation []*domain.ReconciliationItem
	nextReconID    int64

	// sequences has its own mutex so allocation never waits on state.mu.
	seqMu     sync.Mutex
	sequences map[domain.OperationKind]int64

	locks *lockTable
}

// txState holds the writes of one transaction until commit.
type txState struct {
	held       map[int64]bool
	accounts   map[int64]decimal.Decimal
	parties    map[partyKey]decimal.Decimal
	operations []*domain.Operation
	reversed   map[uuid.UUID]bool
}

// Store is an in-process implementation of domain.Store. Writes made inside
// WithTransaction are staged and published atomically at commit, so readers
// never see half of an operation.
type Store struct {
	state *state
	tx    *txState
}

func NewStore() *Store {
	return &Store{
		state: &state{
			accounts:   make(map[int64]*domain.Account),
			parties:    make(map[partyKey]*domain.Party),
			categories: make(map[int64]*domain.Category),
			byID:       make(map[uuid.UUID]*domain.Operation),
			byKey:      make(map[uuid.UUID]*domain.Operation),
			bySequence: make(map[domain.OperationKind]map[int64]bool),
			sequences:  make(map[domain.OperationKind]int64),
			locks:      newLockTable(),
		},
	}
}

func (s *Store) Account() domain.AccountRepository               { return &accountRepository{s} }
func (s *Store) Party() domain.PartyRepository                   { return &partyRepository{s} }
func (s *Store) Operation() domain.OperationRepository           { return &operationRepository{s} }
func (s *Store) Sequence() domain.SequenceRepository             { return &sequenceRepository{s} }
func (s *Store) Reconciliation() domain.ReconciliationRepository { return &reconciliationRepository{s} }
func (s *Store) MasterData() domain.MasterData                   { return &masterData{s} }

// WithTransaction runs fn against a transaction-scoped Store.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.tx != nil {
		return errors.ErrCannotBeginTransaction
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	txStore := &Store{
		state: s.state,
		tx: &txState{
			held:     make(map[int64]bool),
			accounts: make(map[int64]decimal.Decimal),
			parties:  make(map[partyKey]decimal.Decimal),
			reversed: make(map[uuid.UUID]bool),
		},
	}
	defer txStore.releaseLocks()

	if err := fn(txStore); err != nil {
		return err
	}
	// Cancellation is honoured up to the commit point only.
	if err := ctx.Err(); err != nil {
		return err
	}
	return txStore.commit()
}

func (s *Store) releaseLocks() {
	for id := range s.tx.held {
		s.state.locks.release(accountLockKey(id))
	}
}

func (s *Store) commit() error {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, op := range s.tx.operations {
		if err := st.checkUnique(op); err != nil {
			return err
		}
	}
	for id := range s.tx.reversed {
		if op := st.byID[id]; op == nil || op.Status != domain.StatusApplied {
			return errors.ErrAlreadyReversed
		}
	}

	now := time.Now()
	for id, delta := range s.tx.accounts {
		acc := st.accounts[id]
		acc.Balance = acc.Balance.Add(delta)
		acc.UpdatedAt = now
	}
	for key, delta := range s.tx.parties {
		p := st.parties[key]
		p.Outstanding = p.Outstanding.Add(delta)
	}
	for id := range s.tx.reversed {
		st.byID[id].Status = domain.StatusReversed
	}
	for _, op := range s.tx.operations {
		st.insert(op)
	}
	return nil
}

func (st *state) checkUnique(op *domain.Operation) error {
	if _, exists := st.byID[op.ID]; exists {
		return errors.ErrDuplicateOperation.WithDetails("operation id " + op.ID.String())
	}
	if op.IdempotencyKey != nil {
		if _, exists := st.byKey[*op.IdempotencyKey]; exists {
			return errors.ErrDuplicateOperation.WithDetails("idempotency key " + op.IdempotencyKey.String())
		}
	}
	if st.bySequence[op.Kind][op.Sequence] {
		return errors.ErrDuplicateOperation.WithDetails("sequence " + strconv.FormatInt(op.Sequence, 10))
	}
	return nil
}

func (st *state) insert(op *domain.Operation) {
	stored := *op
	st.operations = append(st.operations, &stored)
	st.byID[stored.ID] = &stored
	if stored.IdempotencyKey != nil {
		st.byKey[*stored.IdempotencyKey] = &stored
	}
	if st.bySequence[stored.Kind] == nil {
		st.bySequence[stored.Kind] = make(map[int64]bool)
	}
	st.bySequence[stored.Kind][stored.Sequence] = true
}

type accountRepository struct{ s *Store }

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.accounts[account.ID]; exists {
		return errors.ErrDuplicateAccount
	}
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	stored := *account
	st.accounts[account.ID] = &stored
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	st := r.s.state
	st.mu.RLock()
	acc, ok := st.accounts[id]
	var out domain.Account
	if ok {
		out = *acc
	}
	st.mu.RUnlock()

	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	if r.s.tx != nil {
		out.Balance = out.Balance.Add(r.s.tx.accounts[id])
	}
	return &out, nil
}

func (r *accountRepository) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*domain.Account, 0, len(st.accounts))
	for _, acc := range st.accounts {
		c := *acc
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *accountRepository) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*domain.Account, error) {
	if r.s.tx == nil {
		return nil, errors.ErrTransactionRequired
	}

	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make(map[int64]*domain.Account, len(sorted))
	for _, id := range sorted {
		if !r.s.tx.held[id] {
			if err := r.s.state.locks.acquire(ctx, accountLockKey(id)); err != nil {
				return nil, err
			}
			r.s.tx.held[id] = true
		}
		acc, err := r.GetAccount(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = acc
	}
	return out, nil
}

func (r *accountRepository) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	if r.s.tx == nil || !r.s.tx.held[id] {
		return decimal.Zero, errors.ErrTransactionRequired.WithDetails("account must be locked before adjusting its balance")
	}
	acc, err := r.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	balance := acc.Balance.Add(delta)
	if !domain.AmountInRange(balance) {
		return decimal.Zero, errors.ErrInvalidAmount.WithDetails("balance out of range")
	}
	r.s.tx.accounts[id] = r.s.tx.accounts[id].Add(delta)
	return balance, nil
}

type partyRepository struct{ s *Store }

func (r *partyRepository) CreateParty(ctx context.Context, party *domain.Party) error {
	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	key := partyKey{party.Kind, party.ID}
	if _, exists := st.parties[key]; exists {
		return errors.ErrDuplicateEntity.WithDetails(string(party.Kind))
	}
	if party.CreatedAt.IsZero() {
		party.CreatedAt = time.Now()
	}
	stored := *party
	st.parties[key] = &stored
	return nil
}

func (r *partyRepository) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	st := r.s.state
	key := partyKey{kind, id}

	st.mu.RLock()
	p, ok := st.parties[key]
	var out domain.Party
	if ok {
		out = *p
	}
	st.mu.RUnlock()

	if !ok {
		return nil, partyNotFound(kind)
	}
	if r.s.tx != nil {
		out.Outstanding = out.Outstanding.Add(r.s.tx.parties[key])
	}
	return &out, nil
}

func (r *partyRepository) AdjustOutstanding(ctx context.Context, kind domain.PartyKind, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	if r.s.tx == nil {
		return decimal.Zero, errors.ErrTransactionRequired
	}
	p, err := r.GetParty(ctx, kind, id)
	if err != nil {
		return decimal.Zero, err
	}
	outstanding := p.Outstanding.Add(delta)
	if !domain.AmountInRange(outstanding) {
		return decimal.Zero, errors.ErrInvalidAmount.WithDetails("outstanding balance out of range")
	}

	key := partyKey{kind, id}
	r.s.tx.parties[key] = r.s.tx.parties[key].Add(delta)
	return outstanding, nil
}

func (r *partyRepository) CreateCategory(ctx context.Context, category *domain.Category) error {
	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.categories[category.ID]; exists {
		return errors.ErrDuplicateEntity.WithDetails("category")
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now()
	}
	stored := *category
	st.categories[category.ID] = &stored
	return nil
}

func partyNotFound(kind domain.PartyKind) error {
	if kind == domain.PartySupplier {
		return errors.ErrSupplierNotFound
	}
	return errors.ErrCustomerNotFound
}

type operationRepository struct{ s *Store }

func (r *operationRepository) RecordOperation(ctx context.Context, op *domain.Operation) error {
	st := r.s.state
	if r.s.tx == nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		if err := st.checkUnique(op); err != nil {
			return err
		}
		st.insert(op)
		return nil
	}

	st.mu.RLock()
	err := st.checkUnique(op)
	st.mu.RUnlock()
	if err != nil {
		return err
	}
	stored := *op
	r.s.tx.operations = append(r.s.tx.operations, &stored)
	return nil
}

func (r *operationRepository) GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	op, ok := st.byID[id]
	if !ok {
		return nil, errors.ErrOperationNotFound
	}
	out := *op
	return &out, nil
}

func (r *operationRepository) GetOperationByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.Operation, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	op, ok := st.byKey[key]
	if !ok {
		return nil, nil
	}
	out := *op
	return &out, nil
}

func (r *operationRepository) MarkReversed(ctx context.Context, id uuid.UUID) error {
	if r.s.tx == nil {
		return errors.ErrTransactionRequired
	}

	st := r.s.state
	st.mu.RLock()
	op, ok := st.byID[id]
	applied := ok && op.Status == domain.StatusApplied
	st.mu.RUnlock()

	if !ok {
		return errors.ErrOperationNotFound
	}
	if !applied || r.s.tx.reversed[id] {
		return errors.ErrAlreadyReversed
	}
	r.s.tx.reversed[id] = true
	return nil
}

func (r *operationRepository) ListOperations(ctx context.Context, filter domain.OperationFilter, page domain.Page) ([]*domain.Operation, error) {
	page = page.Normalize()

	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*domain.Operation, 0)
	skipped := 0
	for i := len(st.operations) - 1; i >= 0 && len(out) < page.Limit; i-- {
		op := st.operations[i]
		if !filter.Matches(op) {
			continue
		}
		if skipped < page.Offset {
			skipped++
			continue
		}
		c := *op
		out = append(out, &c)
	}
	return out, nil
}

type sequenceRepository struct{ s *Store }

func (r *sequenceRepository) NextValue(ctx context.Context, kind domain.OperationKind) (int64, error) {
	st := r.s.state
	st.seqMu.Lock()
	defer st.seqMu.Unlock()

	st.sequences[kind]++
	return st.sequences[kind], nil
}

type reconciliationRepository struct{ s *Store }

func (r *reconciliationRepository) Enqueue(ctx context.Context, item *domain.ReconciliationItem) error {
	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	st.nextReconID++
	item.ID = st.nextReconID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	stored := *item
	st.reconciliation = append(st.reconciliation, &stored)
	return nil
}

func (r *reconciliationRepository) ListPending(ctx context.Context) ([]*domain.ReconciliationItem, error) {
	st := r.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	var out []*domain.ReconciliationItem
	for _, item := range st.reconciliation {
		if item.ResolvedAt == nil {
			c := *item
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *reconciliationRepository) Resolve(ctx context.Context, id int64, resolution string) error {
	st := r.s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, item := range st.reconciliation {
		if item.ID == id && item.ResolvedAt == nil {
			now := time.Now()
			item.ResolvedAt = &now
			item.Resolution = resolution
			return nil
		}
	}
	return errors.NewAppError(errors.OperationNotFound, "pending reconciliation item not found")
}

type masterData struct{ s *Store }

func (m *masterData) AccountExists(ctx context.Context, id int64) (bool, error) {
	st := m.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.accounts[id]
	return ok, nil
}

func (m *masterData) CustomerExists(ctx context.Context, id int64) (bool, error) {
	return m.partyExists(domain.PartyCustomer, id), nil
}

func (m *masterData) SupplierExists(ctx context.Context, id int64) (bool, error) {
	return m.partyExists(domain.PartySupplier, id), nil
}

func (m *masterData) CategoryExists(ctx context.Context, id int64) (bool, error) {
	st := m.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.categories[id]
	return ok, nil
}

func (m *masterData) partyExists(kind domain.PartyKind, id int64) bool {
	st := m.s.state
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.parties[partyKey{kind, id}]
	return ok
}

var _ domain.Store = (*Store)(nil)

package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db       *sql.DB
	executor SQLExecutor
	inTx     bool
	logger   *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		executor: db,
		logger:   logger,
	}
}

// Account returns an AccountRepository using the current executor
func (s *Store) Account() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.inTx, s.logger)
}

// Party returns a PartyRepository using the current executor
func (s *Store) Party() domain.PartyRepository {
	return NewPartyRepository(s.executor, s.inTx, s.logger)
}

// Operation returns the audit log repository using the current executor
func (s *Store) Operation() domain.OperationRepository {
	return NewOperationRepository(s.executor, s.inTx, s.logger)
}

// Sequence always runs on the pool so that counters are never held by an
// account transaction.
func (s *Store) Sequence() domain.SequenceRepository {
	return NewSequenceRepository(s.db, s.logger)
}

func (s *Store) Reconciliation() domain.ReconciliationRepository {
	return NewReconciliationRepository(s.executor, s.logger)
}

func (s *Store) MasterData() domain.MasterData {
	return NewMasterDataRepository(s.executor)
}

// WithTransaction executes a function within a database transaction. A
// failed rollback is reported as an Inconsistent error.
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	// Only the root store can begin transactions
	if s.inTx {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err, "failed to begin transaction")
	}

	txStore := &Store{
		db:       s.db,
		executor: tx,
		inTx:     true,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Transaction rollback failed", "error", rbErr, "cause", err)
			return errors.ErrInconsistent.WithDetails(fmt.Sprintf("%v; rollback: %v", err, rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit transaction")
	}
	return nil
}

var _ domain.Store = (*Store)(nil)

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

type accountRepository struct {
	db     SQLExecutor
	inTx   bool
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, inTx bool, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		inTx:   inTx,
		logger: logger,
	}
}

const accountColumns = `id, name, bank, balance, initial_balance, created_at, updated_at`

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, name, bank, balance, initial_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		query,
		account.ID,
		account.Name,
		account.Bank,
		account.Balance,
		account.InitialBalance,
		now,
		now,
	)

	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return classify(err, "failed to create account")
	}

	account.CreatedAt = now
	account.UpdatedAt = now
	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	account, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Account not found", "account_id", id)
			return nil, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to get account", "account_id", id, "error", err)
		return nil, classify(err, "failed to get account")
	}
	return account, nil
}

func (r *accountRepository) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to list accounts")
	}
	defer rows.Close()

	accounts := make([]*domain.Account, 0)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, classify(err, "failed to scan account")
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to list accounts")
	}
	return accounts, nil
}

// LockAccounts takes row locks in ascending id order, which keeps two
// transfers in opposite directions from deadlocking.
func (r *accountRepository) LockAccounts(ctx context.Context, ids ...int64) (map[int64]*domain.Account, error) {
	if !r.inTx {
		return nil, errors.ErrTransactionRequired
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		r.logger.Error("Failed to lock accounts", "account_ids", ids, "error", err)
		return nil, classify(err, "failed to lock accounts")
	}
	defer rows.Close()

	locked := make(map[int64]*domain.Account, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, classify(err, "failed to scan account")
		}
		locked[account.ID] = account
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to lock accounts")
	}

	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			r.logger.Warn("Account not found", "account_id", id)
			return nil, errors.ErrAccountNotFound.WithDetails(fmt.Sprintf("account %d", id))
		}
	}
	return locked, nil
}

func (r *accountRepository) AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	if !r.inTx {
		return decimal.Zero, errors.ErrTransactionRequired
	}

	query := `
		UPDATE accounts
		SET balance = balance + $1, updated_at = $2
		WHERE id = $3
		RETURNING balance
	`

	var balance decimal.Decimal
	err := r.db.QueryRowContext(ctx, query, delta, time.Now().UTC(), id).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("No account found to update", "account_id", id)
			return decimal.Zero, errors.ErrAccountNotFound
		}
		r.logger.Error("Failed to update account balance", "account_id", id, "error", err)
		return decimal.Zero, classify(err, "failed to update account balance")
	}

	r.logger.Debug("Account balance updated", "account_id", id, "delta", delta, "new_balance", balance)
	return balance, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Bank,
		&account.Balance,
		&account.InitialBalance,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

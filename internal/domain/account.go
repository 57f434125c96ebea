package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID             int64           `json:"account_id"`
	Name           string          `json:"name"`
	Bank           string          `json:"bank"`
	Balance        decimal.Decimal `json:"balance"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AccountRepository is the account store. LockAccounts and AdjustBalance
// are only valid on a Store handed out by WithTransaction.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	// LockAccounts locks the rows in ascending id order and returns them keyed by id.
	LockAccounts(ctx context.Context, ids ...int64) (map[int64]*Account, error)
	// AdjustBalance adds delta to the balance and returns the new balance.
	AdjustBalance(ctx context.Context, id int64, delta decimal.Decimal) (decimal.Decimal, error)
}

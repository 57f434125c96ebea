package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PartyKind tells customers and suppliers apart.
type PartyKind string

const (
	PartyCustomer PartyKind = "customer"
	PartySupplier PartyKind = "supplier"
)

// Party is a customer or supplier with the amount still owed to or by them.
type Party struct {
	ID          int64           `json:"id"`
	Kind        PartyKind       `json:"kind"`
	Name        string          `json:"name"`
	Outstanding decimal.Decimal `json:"outstanding_balance"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type PartyRepository interface {
	CreateParty(ctx context.Context, party *Party) error
	GetParty(ctx context.Context, kind PartyKind, id int64) (*Party, error)
	// AdjustOutstanding is only valid inside a transaction.
	AdjustOutstanding(ctx context.Context, kind PartyKind, id int64, delta decimal.Decimal) (decimal.Decimal, error)
	CreateCategory(ctx context.Context, category *Category) error
}

// MasterData answers existence questions about entities the ledger does not own.
type MasterData interface {
	AccountExists(ctx context.Context, id int64) (bool, error)
	CustomerExists(ctx context.Context, id int64) (bool, error)
	SupplierExists(ctx context.Context, id int64) (bool, error)
	CategoryExists(ctx context.Context, id int64) (bool, error)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

type partyRepository struct {
	db     SQLExecutor
	inTx   bool
	logger *slog.Logger
}

func NewPartyRepository(db SQLExecutor, inTx bool, logger *slog.Logger) domain.PartyRepository {
	return &partyRepository{
		db:     db,
		inTx:   inTx,
		logger: logger,
	}
}

func partyTable(kind domain.PartyKind) (string, error) {
	switch kind {
	case domain.PartyCustomer:
		return "customers", nil
	case domain.PartySupplier:
		return "suppliers", nil
	}
	return "", errors.NewAppErrorf(errors.InvalidInput, "unknown party kind %q", kind)
}

func partyNotFound(kind domain.PartyKind) error {
	if kind == domain.PartySupplier {
		return errors.ErrSupplierNotFound
	}
	return errors.ErrCustomerNotFound
}

func (r *partyRepository) CreateParty(ctx context.Context, party *domain.Party) error {
	table, err := partyTable(party.Kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, outstanding_balance, created_at)
		VALUES ($1, $2, $3, $4)
	`, table)

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, query, party.ID, party.Name, party.Outstanding, now); err != nil {
		if _, ok := uniqueViolation(err); ok {
			return errors.ErrDuplicateEntity.WithDetails(string(party.Kind))
		}
		r.logger.Error("Failed to create party", "kind", party.Kind, "id", party.ID, "error", err)
		return classify(err, "failed to create "+string(party.Kind))
	}

	party.CreatedAt = now
	r.logger.Info("Party created", "kind", party.Kind, "id", party.ID)
	return nil
}

func (r *partyRepository) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	table, err := partyTable(kind)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, name, outstanding_balance, created_at FROM %s WHERE id = $1`, table)

	party := domain.Party{Kind: kind}
	err = r.db.QueryRowContext(ctx, query, id).Scan(&party.ID, &party.Name, &party.Outstanding, &party.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, partyNotFound(kind)
		}
		return nil, classify(err, "failed to get "+string(kind))
	}
	return &party, nil
}

func (r *partyRepository) AdjustOutstanding(ctx context.Context, kind domain.PartyKind, id int64, delta decimal.Decimal) (decimal.Decimal, error) {
	if !r.inTx {
		return decimal.Zero, errors.ErrTransactionRequired
	}
	table, err := partyTable(kind)
	if err != nil {
		return decimal.Zero, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET outstanding_balance = outstanding_balance + $1
		WHERE id = $2
		RETURNING outstanding_balance
	`, table)

	var outstanding decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, delta, id).Scan(&outstanding); err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, partyNotFound(kind)
		}
		r.logger.Error("Failed to adjust outstanding balance", "kind", kind, "id", id, "error", err)
		return decimal.Zero, classify(err, "failed to adjust outstanding balance")
	}
	return outstanding, nil
}

func (r *partyRepository) CreateCategory(ctx context.Context, category *domain.Category) error {
	query := `INSERT INTO expense_categories (id, name, created_at) VALUES ($1, $2, $3)`

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, query, category.ID, category.Name, now); err != nil {
		if _, ok := uniqueViolation(err); ok {
			return errors.ErrDuplicateEntity.WithDetails("category")
		}
		return classify(err, "failed to create expense category")
	}
	category.CreatedAt = now
	return nil
}

type masterDataRepository struct {
	db SQLExecutor
}

func NewMasterDataRepository(db SQLExecutor) domain.MasterData {
	return &masterDataRepository{db: db}
}

func (r *masterDataRepository) AccountExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, "accounts", id)
}

func (r *masterDataRepository) CustomerExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, "customers", id)
}

func (r *masterDataRepository) SupplierExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, "suppliers", id)
}

func (r *masterDataRepository) CategoryExists(ctx context.Context, id int64) (bool, error) {
	return r.exists(ctx, "expense_categories", id)
}

func (r *masterDataRepository) exists(ctx context.Context, table string, id int64) (bool, error) {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&found); err != nil {
		return false, classify(err, "failed to look up "+table)
	}
	return found, nil
}

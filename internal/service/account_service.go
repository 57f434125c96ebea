package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

var maxInitialBalance = decimal.NewFromInt(10_000_000_000)

type AccountService struct {
	store  domain.Store
	logger *slog.Logger
}

func NewAccountService(store domain.Store, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:  store,
		logger: logger,
	}
}

type CreateAccountRequest struct {
	ID             int64
	Name           string
	Bank           string
	InitialBalance decimal.Decimal
}

func (s *AccountService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*domain.Account, error) {
	s.logger.Info("Creating account", "account_id", req.ID, "initial_balance", req.InitialBalance)

	if req.ID <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "account ID must be positive").WithField("account_id")
	}
	if req.InitialBalance.IsNegative() {
		return nil, errors.ErrInvalidAmount.WithField("initial_balance")
	}
	if req.InitialBalance.GreaterThan(maxInitialBalance) {
		return nil, errors.NewAppError(errors.InvalidAmount, "initial balance exceeds maximum limit").WithField("initial_balance")
	}

	account := &domain.Account{
		ID:             req.ID,
		Name:           strings.TrimSpace(req.Name),
		Bank:           strings.TrimSpace(req.Bank),
		Balance:        req.InitialBalance,
		InitialBalance: req.InitialBalance,
	}

	if err := s.store.Account().CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("Account created successfully", "account_id", account.ID)
	return account, nil
}

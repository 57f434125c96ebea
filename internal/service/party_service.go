package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

// PartyService manages the customers, suppliers and expense categories that
// operations reference.
type PartyService struct {
	store  domain.Store
	logger *slog.Logger
}

func NewPartyService(store domain.Store, logger *slog.Logger) *PartyService {
	return &PartyService{
		store:  store,
		logger: logger,
	}
}

func (s *PartyService) CreateParty(ctx context.Context, kind domain.PartyKind, id int64, name string, outstanding decimal.Decimal) (*domain.Party, error) {
	if kind != domain.PartyCustomer && kind != domain.PartySupplier {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "unknown party kind %q", kind)
	}
	if err := validateEntity(id, name); err != nil {
		return nil, err
	}
	if outstanding.IsNegative() {
		return nil, errors.ErrInvalidAmount.WithField("outstanding_balance")
	}

	party := &domain.Party{
		ID:          id,
		Kind:        kind,
		Name:        strings.TrimSpace(name),
		Outstanding: outstanding,
	}
	if err := s.store.Party().CreateParty(ctx, party); err != nil {
		return nil, err
	}

	s.logger.Info("Party created", "kind", kind, "id", id)
	return party, nil
}

func (s *PartyService) GetParty(ctx context.Context, kind domain.PartyKind, id int64) (*domain.Party, error) {
	if id <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "id must be positive").WithField("id")
	}
	return s.store.Party().GetParty(ctx, kind, id)
}

func (s *PartyService) CreateCategory(ctx context.Context, id int64, name string) (*domain.Category, error) {
	if err := validateEntity(id, name); err != nil {
		return nil, err
	}

	category := &domain.Category{ID: id, Name: strings.TrimSpace(name)}
	if err := s.store.Party().CreateCategory(ctx, category); err != nil {
		return nil, err
	}

	s.logger.Info("Expense category created", "id", id)
	return category, nil
}

func validateEntity(id int64, name string) error {
	if id <= 0 {
		return errors.NewAppError(errors.InvalidInput, "id must be positive").WithField("id")
	}
	if strings.TrimSpace(name) == "" {
		return errors.NewAppError(errors.InvalidInput, "name is required").WithField("name")
	}
	return nil
}

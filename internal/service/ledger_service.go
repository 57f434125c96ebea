package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ledger-engine/internal/audit"
	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
	"ledger-engine/internal/events"
	"ledger-engine/internal/retry"
	"ledger-engine/internal/sequence"
)

type LedgerOptions struct {
	AllowOverdraft bool
	Retry          retry.Policy
}

// LedgerService applies ledger operations. Every operation is validated,
// numbered, then applied with its audit record in a single store
// transaction.
type LedgerService struct {
	store          domain.Store
	sequences      *sequence.Allocator
	audit          *audit.Log
	allowOverdraft bool
	policy         retry.Policy
	logger         *slog.Logger
	now            func() time.Time
}

func NewLedgerService(
	store domain.Store,
	sequences *sequence.Allocator,
	auditLog *audit.Log,
	opts LedgerOptions,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		store:          store,
		sequences:      sequences,
		audit:          auditLog,
		allowOverdraft: opts.AllowOverdraft,
		policy:         opts.Retry,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Submit normalizes a boundary input and applies it.
func (s *LedgerService) Submit(ctx context.Context, in *OperationInput) Result {
	req, err := in.ToRequest()
	if err != nil {
		return ResultOf(nil, err)
	}
	return ResultOf(s.Apply(ctx, req))
}

// Apply runs one operation through validation, sequence allocation and the
// transactional apply phase.
func (s *LedgerService) Apply(ctx context.Context, req *domain.OperationRequest) (*domain.Operation, error) {
	s.logger.Info("Processing operation",
		"kind", req.Kind,
		"amount", req.Amount,
		"source_account_id", req.SourceAccountID,
		"destination_account_id", req.DestinationAccountID,
		"related_id", req.RelatedID)

	if err := req.Validate(); err != nil {
		s.logger.Warn("Operation rejected", "kind", req.Kind, "error", err)
		return nil, err
	}

	if req.IdempotencyKey != nil {
		existing, err := s.store.Operation().GetOperationByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.logger.Info("Returning existing operation for idempotency key",
				"idempotency_key", *req.IdempotencyKey,
				"operation_id", existing.ID)
			return existing, nil
		}
	}

	if err := s.validateReferences(ctx, req); err != nil {
		s.logger.Warn("Operation rejected", "kind", req.Kind, "error", err)
		return nil, err
	}
	if err := s.precheckFunds(ctx, req); err != nil {
		s.logger.Warn("Operation rejected", "kind", req.Kind, "error", err)
		return nil, err
	}

	seq, err := s.sequences.Next(ctx, req.Kind)
	if err != nil {
		s.logger.Error("Sequence allocation failed", "kind", req.Kind, "error", err)
		return nil, err
	}

	op := domain.NewOperation(req, seq, s.now())
	committed, err := s.execute(ctx, op, func(tx domain.Store) error {
		return s.applyLegs(ctx, tx, op)
	})
	if err != nil {
		return nil, err
	}
	if committed.ID != op.ID {
		s.logger.Info("Returning existing operation for idempotency key",
			"idempotency_key", *req.IdempotencyKey,
			"operation_id", committed.ID)
		return committed, nil
	}

	s.audit.Publish(context.WithoutCancel(ctx), events.OperationApplied, committed)
	s.logger.Info("Operation applied",
		"operation_id", committed.ID,
		"kind", committed.Kind,
		"sequence", committed.Sequence)
	return committed, nil
}

// Reverse appends a reversal of an applied operation and flips the original
// to reversed in the same transaction.
func (s *LedgerService) Reverse(ctx context.Context, operationID uuid.UUID, description string) (*domain.Operation, error) {
	s.logger.Info("Processing reversal", "operation_id", operationID)

	original, err := s.store.Operation().GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	if original.Kind == domain.KindReversal {
		return nil, errors.NewAppError(errors.InvalidInput, "a reversal cannot be reversed").WithField("operation_id")
	}
	if original.Status != domain.StatusApplied {
		return nil, errors.ErrAlreadyReversed.WithDetails("status " + string(original.Status))
	}

	seq, err := s.sequences.Next(ctx, domain.KindReversal)
	if err != nil {
		s.logger.Error("Sequence allocation failed", "kind", domain.KindReversal, "error", err)
		return nil, err
	}

	if description == "" {
		description = "reversal of " + original.ID.String()
	}
	reversal := domain.NewReversal(original, seq, description, s.now())
	committed, err := s.execute(ctx, reversal, func(tx domain.Store) error {
		if err := tx.Operation().MarkReversed(ctx, original.ID); err != nil {
			return err
		}
		return s.applyLegs(ctx, tx, reversal)
	})
	if err != nil {
		return nil, err
	}

	publishCtx := context.WithoutCancel(ctx)
	original.Status = domain.StatusReversed
	s.audit.Publish(publishCtx, events.OperationReversed, original)
	s.audit.Publish(publishCtx, events.OperationApplied, committed)
	s.logger.Info("Operation reversed",
		"operation_id", original.ID,
		"reversal_id", committed.ID,
		"sequence", committed.Sequence)
	return committed, nil
}

// execute runs apply and the audit insert in one transaction, retrying
// transient failures with the same operation id and sequence. A retry first
// looks the id up, so a commit whose acknowledgement was lost is returned
// instead of being applied twice.
func (s *LedgerService) execute(ctx context.Context, op *domain.Operation, apply func(tx domain.Store) error) (*domain.Operation, error) {
	var (
		attempt   int
		committed *domain.Operation
	)

	err := retry.Do(ctx, s.policy, func() error {
		attempt++
		if attempt > 1 {
			existing, err := s.findCommitted(ctx, op.ID)
			if err != nil {
				return err
			}
			if existing != nil {
				s.logger.Warn("Operation committed by an earlier attempt", "operation_id", op.ID, "attempt", attempt)
				committed = existing
				return nil
			}
		}

		err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
			if err := apply(tx); err != nil {
				return err
			}
			op.Status = domain.StatusApplied
			return s.audit.Record(ctx, tx, op)
		})
		if err != nil {
			s.logger.Warn("Operation attempt failed",
				"operation_id", op.ID,
				"kind", op.Kind,
				"attempt", attempt,
				"error", err)
		}
		return err
	})

	if committed != nil {
		return committed, nil
	}
	if err == nil {
		return op, nil
	}

	if errors.Is(err, errors.ErrDuplicateOperation) {
		if existing, findErr := s.findCommitted(ctx, op.ID); findErr == nil && existing != nil {
			return existing, nil
		}
		if existing := s.lostIdempotencyRace(ctx, op); existing != nil {
			return existing, nil
		}
	}

	s.recordFailure(ctx, op, err)
	return nil, err
}

// findCommitted returns the committed operation with id, or nil.
func (s *LedgerService) findCommitted(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	existing, err := s.store.Operation().GetOperation(ctx, id)
	if err != nil {
		if errors.Is(err, errors.ErrOperationNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !existing.Status.Committed() {
		return nil, nil
	}
	return existing, nil
}

// recordFailure writes the failed audit entry. Failed records give up their
// idempotency key so the client can resubmit with it.
func (s *LedgerService) recordFailure(ctx context.Context, op *domain.Operation, cause error) {
	failCtx := context.WithoutCancel(ctx)
	failed := *op
	failed.IdempotencyKey = nil

	if errors.Is(cause, errors.ErrInconsistent) {
		s.logger.Error("Operation left the store inconsistent",
			"operation_id", op.ID,
			"kind", op.Kind,
			"sequence", op.Sequence,
			"error", cause)
		s.audit.RecordFailure(failCtx, &failed, domain.StatusInconsistent, cause.Error())

		item := &domain.ReconciliationItem{OperationID: op.ID, Reason: errors.Wrap(cause).Details}
		if item.Reason == "" {
			item.Reason = cause.Error()
		}
		if err := s.store.Reconciliation().Enqueue(failCtx, item); err != nil {
			s.logger.Error("Failed to enqueue reconciliation item", "operation_id", op.ID, "error", err)
		}
		return
	}

	s.audit.RecordFailure(failCtx, &failed, domain.StatusFailed, cause.Error())
}

// lostIdempotencyRace handles two concurrent requests with one key: the
// loser's insert hits the unique key, and it returns the winner's record.
// The loser leaves no audit entry; its sequence number becomes a gap.
func (s *LedgerService) lostIdempotencyRace(ctx context.Context, op *domain.Operation) *domain.Operation {
	if op.IdempotencyKey == nil {
		return nil
	}
	existing, findErr := s.store.Operation().GetOperationByIdempotencyKey(context.WithoutCancel(ctx), *op.IdempotencyKey)
	if findErr != nil || existing == nil {
		return nil
	}
	return existing
}

func (s *LedgerService) applyLegs(ctx context.Context, tx domain.Store, op *domain.Operation) error {
	locked, err := tx.Account().LockAccounts(ctx, op.AccountIDs()...)
	if err != nil {
		return err
	}

	if op.SourceAccountID != nil && !s.allowOverdraft {
		source := locked[*op.SourceAccountID]
		if source.Balance.LessThan(op.Amount) {
			return errors.ErrInsufficientFunds.WithDetails(
				fmt.Sprintf("account %d balance %s", source.ID, source.Balance.StringFixed(2))).WithField("amount")
		}
	}

	for _, leg := range op.Legs() {
		switch leg.Target {
		case domain.LegAccount:
			_, err = tx.Account().AdjustBalance(ctx, leg.ID, leg.Delta)
		case domain.LegCustomer:
			_, err = tx.Party().AdjustOutstanding(ctx, domain.PartyCustomer, leg.ID, leg.Delta)
		case domain.LegSupplier:
			_, err = tx.Party().AdjustOutstanding(ctx, domain.PartySupplier, leg.ID, leg.Delta)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *LedgerService) validateReferences(ctx context.Context, req *domain.OperationRequest) error {
	md := s.store.MasterData()

	check := func(exists func(context.Context, int64) (bool, error), id *int64, notFound *errors.AppError, field string) error {
		if id == nil {
			return nil
		}
		ok, err := exists(ctx, *id)
		if err != nil {
			return err
		}
		if !ok {
			return notFound.WithField(field)
		}
		return nil
	}

	if err := check(md.AccountExists, req.SourceAccountID, errors.ErrAccountNotFound, "source_account_id"); err != nil {
		return err
	}
	if err := check(md.AccountExists, req.DestinationAccountID, errors.ErrAccountNotFound, "destination_account_id"); err != nil {
		return err
	}

	switch req.Kind.RelatedType() {
	case domain.RelatedCustomer:
		return check(md.CustomerExists, req.RelatedID, errors.ErrCustomerNotFound, "customer_id")
	case domain.RelatedSupplier:
		return check(md.SupplierExists, req.RelatedID, errors.ErrSupplierNotFound, "supplier_id")
	case domain.RelatedCategory:
		return check(md.CategoryExists, req.RelatedID, errors.ErrCategoryNotFound, "category_id")
	}
	return nil
}

// precheckFunds rejects an obviously uncovered debit before a sequence is
// spent on it. The locked balance check in applyLegs is authoritative.
func (s *LedgerService) precheckFunds(ctx context.Context, req *domain.OperationRequest) error {
	if s.allowOverdraft || req.SourceAccountID == nil {
		return nil
	}
	account, err := s.store.Account().GetAccount(ctx, *req.SourceAccountID)
	if err != nil {
		return err
	}
	if account.Balance.LessThan(req.Amount) {
		return errors.ErrInsufficientFunds.WithField("amount")
	}
	return nil
}

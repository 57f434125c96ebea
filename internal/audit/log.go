// Package audit is the append-only operation log. Records are written inside
// the caller's transaction, failures are written on their own, and committed
// records are mirrored to the event publisher.
package audit

import (
	"context"
	"log/slog"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/events"
)

type Log struct {
	store     domain.Store
	publisher events.Publisher
	logger    *slog.Logger
}

func NewLog(store domain.Store, publisher events.Publisher, logger *slog.Logger) *Log {
	if publisher == nil {
		publisher = events.Nop()
	}
	return &Log{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Record appends op through tx, which is normally a transaction-scoped store.
func (l *Log) Record(ctx context.Context, tx domain.Store, op *domain.Operation) error {
	if err := tx.Operation().RecordOperation(ctx, op); err != nil {
		return err
	}
	l.logger.Info("Operation recorded",
		"operation_id", op.ID,
		"kind", op.Kind,
		"sequence", op.Sequence,
		"status", op.Status)
	return nil
}

// RecordFailure stores op with a terminal failure status outside any
// transaction. A failed write is logged, never returned: the caller is
// already reporting the original error.
func (l *Log) RecordFailure(ctx context.Context, op *domain.Operation, status domain.OperationStatus, reason string) {
	op.Status = status
	op.FailureReason = reason

	if err := l.store.Operation().RecordOperation(ctx, op); err != nil {
		l.logger.Error("Failed to record failed operation",
			"operation_id", op.ID,
			"kind", op.Kind,
			"sequence", op.Sequence,
			"error", err)
		return
	}
	l.logger.Warn("Operation failed",
		"operation_id", op.ID,
		"kind", op.Kind,
		"sequence", op.Sequence,
		"status", status,
		"reason", reason)
}

// Publish mirrors a committed operation to the event sinks. Delivery
// failures are logged.
func (l *Log) Publish(ctx context.Context, eventType events.EventType, op *domain.Operation) {
	if err := l.publisher.Publish(ctx, events.NewEvent(eventType, op)); err != nil {
		l.logger.Error("Failed to publish operation event",
			"operation_id", op.ID,
			"type", eventType,
			"error", err)
	}
}

// Query lists recorded operations matching filter, newest first.
func (l *Log) Query(ctx context.Context, filter domain.OperationFilter, page domain.Page) ([]*domain.Operation, error) {
	return l.store.Operation().ListOperations(ctx, filter, page.Normalize())
}

func (l *Log) QueryByAccount(ctx context.Context, accountID int64, page domain.Page) ([]*domain.Operation, error) {
	return l.Query(ctx, domain.OperationFilter{AccountID: &accountID}, page)
}

func (l *Log) QueryByKind(ctx context.Context, kind domain.OperationKind, page domain.Page) ([]*domain.Operation, error) {
	return l.Query(ctx, domain.OperationFilter{Kind: kind}, page)
}

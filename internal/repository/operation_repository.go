package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

type operationRepository struct {
	db     SQLExecutor
	inTx   bool
	logger *slog.Logger
}

func NewOperationRepository(db SQLExecutor, inTx bool, logger *slog.Logger) domain.OperationRepository {
	return &operationRepository{
		db:     db,
		inTx:   inTx,
		logger: logger,
	}
}

const operationColumns = `id, kind, sequence, amount, source_account_id, destination_account_id,
	related_type, related_id, reverses_id, description, idempotency_key, status, failure_reason, created_at`

func (r *operationRepository) RecordOperation(ctx context.Context, op *domain.Operation) error {
	query := `
		INSERT INTO operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		op.ID,
		op.Kind,
		op.Sequence,
		op.Amount,
		op.SourceAccountID,
		op.DestinationAccountID,
		op.RelatedType,
		op.RelatedID,
		op.ReversesID,
		op.Description,
		op.IdempotencyKey,
		op.Status,
		op.FailureReason,
		op.CreatedAt,
	)

	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			r.logger.Warn("Duplicate operation record", "operation_id", op.ID, "constraint", constraint)
			return errors.ErrDuplicateOperation.WithDetails(constraint)
		}
		r.logger.Error("Failed to record operation", "operation_id", op.ID, "error", err)
		return classify(err, "failed to record operation")
	}

	r.logger.Debug("Operation recorded", "operation_id", op.ID, "kind", op.Kind, "sequence", op.Sequence, "status", op.Status)
	return nil
}

func (r *operationRepository) GetOperation(ctx context.Context, id uuid.UUID) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1`

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrOperationNotFound
		}
		return nil, classify(err, "failed to get operation")
	}
	return op, nil
}

func (r *operationRepository) GetOperationByIdempotencyKey(ctx context.Context, key uuid.UUID) (*domain.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE idempotency_key = $1`

	op, err := scanOperation(r.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, classify(err, "failed to get operation by idempotency key")
	}
	return op, nil
}

func (r *operationRepository) MarkReversed(ctx context.Context, id uuid.UUID) error {
	if !r.inTx {
		return errors.ErrTransactionRequired
	}

	query := `UPDATE operations SET status = $1 WHERE id = $2 AND status = $3`

	result, err := r.db.ExecContext(ctx, query, domain.StatusReversed, id, domain.StatusApplied)
	if err != nil {
		return classify(err, "failed to mark operation reversed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(err, "failed to mark operation reversed")
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.GetOperation(ctx, id); err != nil {
		return err
	}
	return errors.ErrAlreadyReversed
}

func (r *operationRepository) ListOperations(ctx context.Context, filter domain.OperationFilter, page domain.Page) ([]*domain.Operation, error) {
	page = page.Normalize()

	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Kind != "" {
		conds = append(conds, "kind = "+arg(filter.Kind))
	}
	if filter.Status != "" {
		conds = append(conds, "status = "+arg(filter.Status))
	} else {
		conds = append(conds, fmt.Sprintf("status IN (%s, %s)", arg(domain.StatusApplied), arg(domain.StatusReversed)))
	}
	if filter.AccountID != nil {
		p := arg(*filter.AccountID)
		conds = append(conds, fmt.Sprintf("(source_account_id = %s OR destination_account_id = %s)", p, p))
	}
	if filter.RelatedID != nil {
		conds = append(conds, "related_id = "+arg(*filter.RelatedID))
	}
	if filter.From != nil {
		conds = append(conds, "created_at >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "created_at < "+arg(*filter.To))
	}

	query := `SELECT ` + operationColumns + ` FROM operations WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, sequence DESC LIMIT ` + arg(page.Limit) + ` OFFSET ` + arg(page.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list operations", "error", err)
		return nil, classify(err, "failed to list operations")
	}
	defer rows.Close()

	ops := make([]*domain.Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, classify(err, "failed to scan operation")
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to list operations")
	}
	return ops, nil
}

func scanOperation(row rowScanner) (*domain.Operation, error) {
	var (
		op             domain.Operation
		source, dest   sql.NullInt64
		related        sql.NullInt64
		reverses, ikey uuid.NullUUID
	)
	err := row.Scan(
		&op.ID,
		&op.Kind,
		&op.Sequence,
		&op.Amount,
		&source,
		&dest,
		&op.RelatedType,
		&related,
		&reverses,
		&op.Description,
		&ikey,
		&op.Status,
		&op.FailureReason,
		&op.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.SourceAccountID = int64Ptr(source)
	op.DestinationAccountID = int64Ptr(dest)
	op.RelatedID = int64Ptr(related)
	op.ReversesID = uuidPtr(reverses)
	op.IdempotencyKey = uuidPtr(ikey)
	return &op, nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func uuidPtr(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	return &v.UUID
}

type sequenceRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewSequenceRepository(db SQLExecutor, logger *slog.Logger) domain.SequenceRepository {
	return &sequenceRepository{
		db:     db,
		logger: logger,
	}
}

// NextValue bumps the counter row for kind in a single statement, so two
// callers can never read the same value.
func (r *sequenceRepository) NextValue(ctx context.Context, kind domain.OperationKind) (int64, error) {
	query := `
		INSERT INTO operation_sequences (kind, value) VALUES ($1, 1)
		ON CONFLICT (kind) DO UPDATE SET value = operation_sequences.value + 1
		RETURNING value
	`

	var value int64
	if err := r.db.QueryRowContext(ctx, query, kind).Scan(&value); err != nil {
		return 0, classify(err, "failed to allocate sequence")
	}
	return value, nil
}

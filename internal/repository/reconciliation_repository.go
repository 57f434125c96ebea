package repository

import (
	"context"
	"log/slog"
	"time"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

type reconciliationRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewReconciliationRepository(db SQLExecutor, logger *slog.Logger) domain.ReconciliationRepository {
	return &reconciliationRepository{
		db:     db,
		logger: logger,
	}
}

func (r *reconciliationRepository) Enqueue(ctx context.Context, item *domain.ReconciliationItem) error {
	query := `
		INSERT INTO reconciliation_queue (operation_id, reason, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := r.db.QueryRowContext(ctx, query, item.OperationID, item.Reason, item.CreatedAt).Scan(&item.ID); err != nil {
		r.logger.Error("Failed to enqueue reconciliation item", "operation_id", item.OperationID, "error", err)
		return classify(err, "failed to enqueue reconciliation item")
	}
	return nil
}

func (r *reconciliationRepository) ListPending(ctx context.Context) ([]*domain.ReconciliationItem, error) {
	query := `
		SELECT id, operation_id, reason, created_at
		FROM reconciliation_queue
		WHERE resolved_at IS NULL
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err, "failed to list reconciliation items")
	}
	defer rows.Close()

	var items []*domain.ReconciliationItem
	for rows.Next() {
		var item domain.ReconciliationItem
		if err := rows.Scan(&item.ID, &item.OperationID, &item.Reason, &item.CreatedAt); err != nil {
			return nil, classify(err, "failed to scan reconciliation item")
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "failed to list reconciliation items")
	}
	return items, nil
}

func (r *reconciliationRepository) Resolve(ctx context.Context, id int64, resolution string) error {
	query := `
		UPDATE reconciliation_queue
		SET resolved_at = $1, resolution = $2
		WHERE id = $3 AND resolved_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, time.Now().UTC(), resolution, id)
	if err != nil {
		return classify(err, "failed to resolve reconciliation item")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(err, "failed to resolve reconciliation item")
	}
	if affected == 0 {
		return errors.NewAppError(errors.OperationNotFound, "pending reconciliation item not found")
	}
	r.logger.Info("Reconciliation item resolved", "id", id)
	return nil
}

package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ReconciliationItem is an operation whose rollback failed and needs an operator.
type ReconciliationItem struct {
	ID          int64      `json:"id"`
	OperationID uuid.UUID  `json:"operation_id"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolution  string     `json:"resolution,omitempty"`
}

type ReconciliationRepository interface {
	Enqueue(ctx context.Context, item *ReconciliationItem) error
	ListPending(ctx context.Context) ([]*ReconciliationItem, error)
	Resolve(ctx context.Context, id int64, resolution string) error
}

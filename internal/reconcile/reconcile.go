// Package reconcile surfaces operations whose rollback failed. Items stay
// pending until an operator resolves them.
package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
)

type Queue struct {
	repo   domain.ReconciliationRepository
	logger *slog.Logger
}

func NewQueue(repo domain.ReconciliationRepository, logger *slog.Logger) *Queue {
	return &Queue{
		repo:   repo,
		logger: logger,
	}
}

func (q *Queue) Pending(ctx context.Context) ([]*domain.ReconciliationItem, error) {
	items, err := q.repo.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*domain.ReconciliationItem{}
	}
	return items, nil
}

// Resolve closes a pending item with the operator's note.
func (q *Queue) Resolve(ctx context.Context, id int64, resolution string) error {
	if id <= 0 {
		return errors.NewAppError(errors.InvalidInput, "id must be positive").WithField("id")
	}
	resolution = strings.TrimSpace(resolution)
	if resolution == "" {
		return errors.NewAppError(errors.InvalidInput, "resolution is required").WithField("resolution")
	}
	if err := q.repo.Resolve(ctx, id, resolution); err != nil {
		return err
	}
	q.logger.Info("Reconciliation item resolved", "id", id)
	return nil
}

// Worker periodically reports pending items until its context ends.
type Worker struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

func NewWorker(queue *Queue, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		queue:    queue,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the sweep loop in a goroutine. Wait blocks until it returns.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Run(ctx)
	}()
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Reconciliation worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Reconciliation sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("Reconciliation worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep logs every pending item and returns how many there are.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	items, err := w.queue.Pending(ctx)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		w.logger.Error("Operation awaiting manual reconciliation",
			"id", item.ID,
			"operation_id", item.OperationID,
			"reason", item.Reason,
			"age", time.Since(item.CreatedAt).Round(time.Second))
	}
	return len(items), nil
}

package reconcile

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
	"ledger-engine/internal/repository/memory"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestQueueResolve(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	q := NewQueue(store.Reconciliation(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	item := &domain.ReconciliationItem{OperationID: uuid.New(), Reason: "rollback failed"}
	require.NoError(t, store.Reconciliation().Enqueue(ctx, item))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	err = q.Resolve(ctx, item.ID, "  ")
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "resolution", appErr.Field)

	require.NoError(t, q.Resolve(ctx, item.ID, "balances corrected by hand"))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.NotNil(t, pending)
	assert.Empty(t, pending)

	assert.Error(t, q.Resolve(ctx, item.ID, "again"))
}

func TestWorkerReportsPendingUntilCancelled(t *testing.T) {
	store := memory.NewStore()
	var logs syncBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	opID := uuid.New()
	require.NoError(t, store.Reconciliation().Enqueue(context.Background(), &domain.ReconciliationItem{OperationID: opID, Reason: "rollback failed"}))

	w := NewWorker(NewQueue(store.Reconciliation(), logger), 5*time.Millisecond, logger)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	assert.Eventually(t, func() bool {
		return strings.Count(logs.String(), opID.String()) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Wait()
	assert.Contains(t, logs.String(), "Reconciliation worker stopped")
}

func TestSweepCountsPending(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(NewQueue(store.Reconciliation(), logger), 0, logger)

	n, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Reconciliation().Enqueue(ctx, &domain.ReconciliationItem{OperationID: uuid.New(), Reason: "x"}))
	}
	n, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

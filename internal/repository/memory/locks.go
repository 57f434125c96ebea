package memory

import (
	"context"
	"strconv"
	"sync"
)

// lockTable hands out one lock per key. Locks are buffered channels so that
// waiting can be abandoned when the context is cancelled.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) get(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		t.locks[key] = l
	}
	return l
}

func (t *lockTable) acquire(ctx context.Context, key string) error {
	select {
	case t.get(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *lockTable) release(key string) {
	<-t.get(key)
}

func accountLockKey(id int64) string {
	return "account:" + strconv.FormatInt(id, 10)
}

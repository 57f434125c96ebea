package events

import (
	"context"
	stderrors "errors"
	"time"

	"ledger-engine/internal/domain"
)

type EventType string

const (
	OperationApplied  EventType = "operation.applied"
	OperationReversed EventType = "operation.reversed"
)

// Event is the record published for every committed operation.
type Event struct {
	Type       EventType         `json:"type"`
	Operation  *domain.Operation `json:"operation"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func NewEvent(eventType EventType, op *domain.Operation) Event {
	return Event{
		Type:       eventType,
		Operation:  op,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Multi fans an event out to every publisher. All publishers are tried even
// when one fails; the errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

type nop struct{}

// Nop discards every event.
func Nop() Publisher { return nop{} }

func (nop) Publish(context.Context, Event) error { return nil }
func (nop) Close() error                         { return nil }

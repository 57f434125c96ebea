package sequence

import (
	"context"
	"log/slog"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/errors"
	"ledger-engine/internal/retry"
)

// Allocator issues per-kind sequence numbers from a persisted counter. It
// never touches account locks, so unrelated operations are not serialized
// behind it.
type Allocator struct {
	repo   domain.SequenceRepository
	policy retry.Policy
	logger *slog.Logger
}

func NewAllocator(repo domain.SequenceRepository, policy retry.Policy, logger *slog.Logger) *Allocator {
	return &Allocator{
		repo:   repo,
		policy: policy,
		logger: logger,
	}
}

// Next returns the next number for kind. Contention is retried with backoff;
// once retries are exhausted the error is a SequenceAllocationFailure.
func (a *Allocator) Next(ctx context.Context, kind domain.OperationKind) (int64, error) {
	if !kind.Valid() {
		return 0, errors.NewAppErrorf(errors.InvalidInput, "unknown operation kind %q", kind).WithField("kind")
	}

	attempt := 0
	value, err := retry.DoValue(ctx, a.policy, func() (int64, error) {
		attempt++
		v, err := a.repo.NextValue(ctx, kind)
		if err != nil {
			a.logger.Warn("Sequence allocation attempt failed", "kind", kind, "attempt", attempt, "error", err)
		}
		return v, err
	})
	if err != nil {
		if appErr, ok := errors.As(err); ok && appErr.Transient() {
			return 0, errors.ErrSequenceAllocation.WithDetails(err.Error())
		}
		return 0, err
	}

	a.logger.Debug("Sequence allocated", "kind", kind, "sequence", value)
	return value, nil
}

package domain

import "context"

// Store groups the repositories behind one unit of work. The Store passed to
// fn by WithTransaction scopes every repository to that transaction; fn
// returning an error rolls all of its writes back.
type Store interface {
	Account() AccountRepository
	Party() PartyRepository
	Operation() OperationRepository
	Sequence() SequenceRepository
	Reconciliation() ReconciliationRepository
	MasterData() MasterData
	WithTransaction(ctx context.Context, fn func(Store) error) error
}

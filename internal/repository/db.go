package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"

	"github.com/lib/pq"

	"ledger-engine/internal/errors"
)

// SQLExecutor represents both sql.DB and sql.Tx
type SQLExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB represents a database that can begin transactions
type DB interface {
	SQLExecutor
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Ensure sql.DB and sql.Tx implement the interfaces
var (
	_ DB          = (*sql.DB)(nil)
	_ SQLExecutor = (*sql.Tx)(nil)
)

// Postgres error codes the ledger reacts to.
const (
	codeUniqueViolation      = "23505"
	codeNumericOutOfRange    = "22003"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	classConnectionException = "08"
)

// classify maps driver errors onto AppErrors. Contention and lost
// connections become transient codes; context errors pass through.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return errors.ErrConcurrentModification.WithDetails(pqErr.Message)
		case codeNumericOutOfRange:
			return errors.ErrInvalidAmount.WithDetails(pqErr.Message)
		}
		if pqErr.Code.Class() == classConnectionException {
			return errors.ErrPersistence.WithDetails(pqErr.Message)
		}
		return errors.NewAppError(errors.InternalError, message).WithDetails(pqErr.Message)
	}

	var netErr net.Error
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) || stderrors.As(err, &netErr) {
		return errors.ErrPersistence.WithDetails(err.Error())
	}
	return errors.NewAppError(errors.InternalError, message).WithDetails(err.Error())
}

// uniqueViolation returns the violated constraint name, if err is one.
func uniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) && pqErr.Code == codeUniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}

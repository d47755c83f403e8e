package services

import (
	"errors"

	"github.com/lib/pq"
)

// Domain errors returned by the ledger services. Everything here is a typed
// outcome the caller can act on; storage failures are wrapped and propagated
// separately.
var (
	// ErrValidationFailed marks malformed input (bad id, non-positive amount).
	ErrValidationFailed = errors.New("validation failed")

	// ErrInsufficientFunds marks an operation that would drive a customer
	// credit balance below zero. The balance is left unchanged.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTxNotFound marks a reference to a transaction id that does not exist.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrReversalForbiddenType marks an attempt to reverse a reversal.
	ErrReversalForbiddenType = errors.New("reversal transactions cannot be reversed")

	// ErrReversalAlreadyExists marks a second reversal of the same original.
	ErrReversalAlreadyExists = errors.New("transaction already reversed")

	// ErrLedgerInvariantBroken marks an internal defect: unbalanced or
	// miscounted entries, or a trial-balance mismatch found outside an audit.
	// Not retryable; the triggering operation is aborted without committing.
	ErrLedgerInvariantBroken = errors.New("ledger invariant broken")
)

const (
	pqUniqueViolation = pq.ErrorCode("23505")
	pqCheckViolation  = pq.ErrorCode("23514")
)

func isPqError(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}

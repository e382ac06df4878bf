package kv

import (
	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

var (
	// ErrConflict is returned by Transaction.Commit when one of the
	// transaction's point reads or prefix scans was invalidated by a commit
	// installed after the transaction's snapshot. The transaction is rolled
	// back; the caller retries from scratch with a fresh snapshot.
	ErrConflict = errors.New("transaction conflict")

	// ErrClosed is returned when an operation touches a database that has
	// been closed.
	ErrClosed = errors.New("database closed")
)

// IsConflict reports whether err is (or wraps) a transaction conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

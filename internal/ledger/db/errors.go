package db

import (
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// Errors returned by local store operations.
//
// Every failure of a store operation is a *StorageError; the sentinels
// below describe the cause and can be checked with errors.Is():
//
//	if errors.Is(err, db.ErrWrite) {
//	    // duplicate key on Add
//	}
var (
	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage error")

	// ErrWrite is returned when a write violates a constraint,
	// typically a duplicate key on Add.
	ErrWrite = errors.New("write rejected")

	// ErrNotFound is returned when an entity is required but missing.
	ErrNotFound = errors.New("entity not found")

	// ErrUnknownCollection is returned for a collection that is not part
	// of the declared layout.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownIndex is returned when querying an index the collection
	// does not declare.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrInvalidDocument is returned for documents that cannot be stored,
	// such as a settings entry without a key.
	ErrInvalidDocument = errors.New("invalid document")

	// ErrSchemaBlocked is returned when another session holds the store
	// open while this one needs to upgrade it. Retry after a delay.
	ErrSchemaBlocked = errors.New("schema upgrade blocked by another session")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// StorageError wraps a failed store operation.
type StorageError struct {
	Op         string
	Collection schema.Collection
	Err        error
}

func (e *StorageError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStorage) true for every StorageError.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsRetryable returns true if the error is likely to succeed on retry:
// a blocked schema upgrade or a busy/locked database file.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSchemaBlocked) {
		return true
	}
	return errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED)
}

func wrapErr(op string, coll schema.Collection, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, sqlite3.CONSTRAINT) {
		err = fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return &StorageError{Op: op, Collection: coll, Err: err}
}

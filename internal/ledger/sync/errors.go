package sync

import (
	"context"
	"errors"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
)

var (
	// ErrConflictUnresolved is reported when the manual strategy left
	// conflicts for the user to resolve.
	ErrConflictUnresolved = errors.New("conflicts need manual resolution")

	// ErrNotConfirmed is returned by ForceResync without confirmation.
	ErrNotConfirmed = errors.New("forced resync discards local data and must be confirmed")

	// ErrOffline is returned when a sync is requested while offline.
	ErrOffline = errors.New("offline")

	// ErrSyncInProgress is returned when a sync is requested while another
	// one is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnknownStrategy is returned by ParseStrategy.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")
)

// IsRetryable returns true if a failed sync may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return remote.IsRetryable(err) || db.IsRetryable(err)
}

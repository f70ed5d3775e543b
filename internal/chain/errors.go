package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrChainIntegrity matches every *IntegrityError.
	ErrChainIntegrity = errors.New("chain integrity error")

	// ErrConflictUnresolved is reported for entries that could not be
	// reconciled with local state and were skipped.
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrSyncInProgress is returned by PerformSync while another cycle runs.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrCancelled is returned when a cycle stopped on its cancellation flag.
	ErrCancelled = errors.New("sync cancelled")
)

// IntegrityError describes a broken link or cycle found while walking the
// chain backwards.
type IntegrityError struct {
	NodeID int64
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("chain integrity: node %d: %s", e.NodeID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Is reports whether target is ErrChainIntegrity.
func (e *IntegrityError) Is(target error) bool { return target == ErrChainIntegrity }

package sourced

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no event log exists for the requested id
	ErrNotFound = errors.New("entity not found")

	// ErrNoSnapshot indicates no snapshot exists for the requested id
	ErrNoSnapshot = errors.New("no snapshot for aggregate")

	// ErrMaxRetriesExceeded indicates a Session gave up retrying a command
	// after repeated concurrent-write conflicts
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrDuplicateID indicates the same entity id appeared more than once
	// in a single commit batch
	ErrDuplicateID = errors.New("duplicate entity id in commit batch")
)

type (
	// ConcurrentWriteError reports an optimistic concurrency violation:
	// the entity's committed version no longer matches the stored version.
	// Always recoverable by re-reading and retrying
	ConcurrentWriteError struct {
		ID       string
		Expected int64
		Actual   int64
	}

	// ReplayError reports that an aggregate rejected an event during
	// hydration. Hydration aborts and returns no aggregate
	ReplayError struct {
		Err   error
		ID    string
		Event string
		Seq   int64
	}

	// LockPoisonedError reports an operation against a lock whose holder
	// panicked. The protected invariant may be broken, so the lock is
	// unusable for the remainder of the process
	LockPoisonedError struct {
		Operation string
	}

	// OutboxTransitionError reports an outbox state-machine guard violation
	OutboxTransitionError struct {
		ID   string
		From OutboxStatus
		To   OutboxStatus
	}
)

func (e *ConcurrentWriteError) Error() string {
	return fmt.Sprintf(
		"concurrent write on %q: expected version %d, but at %d",
		e.ID, e.Expected, e.Actual,
	)
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf(
		"replay failed for %q at %s[%d]: %v", e.ID, e.Event, e.Seq, e.Err,
	)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}

func (e *LockPoisonedError) Error() string {
	return fmt.Sprintf("lock poisoned during %s", e.Operation)
}

func (e *OutboxTransitionError) Error() string {
	return fmt.Sprintf(
		"outbox message %q: illegal transition %s -> %s", e.ID, e.From, e.To,
	)
}

package sourced

import (
	"context"
	"errors"
	"slices"
)

// QueuedRepository wraps an inner Repository with per-id mutual exclusion so
// each entity id gets a single-writer, single-in-flight-reader discipline.
// Get acquires and holds the id's lock across the caller's read-modify-write
// window; a successful Commit releases it. Multi-id operations acquire locks
// over the deduplicated, sorted id set so every caller takes overlapping
// locks in the same total order, which eliminates circular-wait deadlock
type QueuedRepository struct {
	inner Repository
	locks *LockManager
}

// NewQueuedRepository wraps inner with a fresh LockManager
func NewQueuedRepository(inner Repository) *QueuedRepository {
	return &QueuedRepository{
		inner: inner,
		locks: NewLockManager(),
	}
}

// Locks exposes the lock manager shared by this repository
func (q *QueuedRepository) Locks() *LockManager {
	return q.locks
}

// Get acquires the id's lock, blocking if held, then reads through the
// inner repository. The lock stays held on success and on ErrNotFound (the
// caller may be about to create the entity); it is released on any other
// error. Callers that decide not to commit must Abort
func (q *QueuedRepository) Get(
	ctx context.Context, id string,
) (*Entity, error) {
	l := q.locks.Get(id)
	if err := l.Lock(); err != nil {
		return nil, err
	}

	e, err := q.inner.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		l.Unlock()
		return nil, err
	}
	return e, err
}

// GetAll locks the deduplicated sorted id set in order, then reads through
// the inner repository. All locks stay held, including those for missing
// ids
func (q *QueuedRepository) GetAll(
	ctx context.Context, ids ...string,
) ([]*Entity, error) {
	ordered := sortedUnique(ids)
	locked := make([]string, 0, len(ordered))
	for _, id := range ordered {
		if err := q.locks.Get(id).Lock(); err != nil {
			q.Abort(locked...)
			return nil, err
		}
		locked = append(locked, id)
	}

	out, err := q.inner.GetAll(ctx, ids...)
	if err != nil {
		q.Abort(locked...)
		return nil, err
	}
	return out, nil
}

// Commit delegates to the inner repository and releases each entity's lock
// only if the commit succeeds. On failure the locks remain held, forcing
// the caller to retry the cycle or Abort
func (q *QueuedRepository) Commit(
	ctx context.Context, entities ...*Entity,
) error {
	if err := q.inner.Commit(ctx, entities...); err != nil {
		return err
	}

	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID()
	}
	q.Abort(ids...)
	return nil
}

// Peek bypasses locking for a non-authoritative read that tolerates
// staleness
func (q *QueuedRepository) Peek(
	ctx context.Context, id string,
) (*Entity, error) {
	return q.inner.Get(ctx, id)
}

// PeekAll bypasses locking for non-authoritative reads
func (q *QueuedRepository) PeekAll(
	ctx context.Context, ids ...string,
) ([]*Entity, error) {
	return q.inner.GetAll(ctx, ids...)
}

// Unlock releases the id's lock unconditionally
func (q *QueuedRepository) Unlock(id string) {
	q.locks.Get(id).Unlock()
}

// Abort releases the held locks for ids unconditionally, used when a caller
// decides not to commit after reading
func (q *QueuedRepository) Abort(ids ...string) {
	for _, id := range sortedUnique(ids) {
		q.locks.Get(id).Unlock()
	}
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

package sourced

import (
	"context"
	"errors"
)

type (
	// Session runs commands against hydrated aggregates of one type,
	// re-reading and retrying automatically when a commit loses the
	// optimistic concurrency race
	Session[A Aggregate] struct {
		repo       Repository
		cons       Constructor[A]
		cache      *logCache
		maxRetries int
	}

	// Command mutates a hydrated aggregate through its command methods
	Command[A Aggregate] func(A) error

	// aborter is the lock-release surface of QueuedRepository
	aborter interface {
		Abort(ids ...string)
	}
)

// NewSession creates a Session with the default retry budget
func NewSession[A Aggregate](repo Repository, cons Constructor[A]) *Session[A] {
	return &Session[A]{
		repo:       repo,
		cons:       cons,
		maxRetries: DefaultMaxRetries,
	}
}

// WithMaxRetries overrides the retry budget
func (s *Session[A]) WithMaxRetries(n int) *Session[A] {
	s.maxRetries = n
	return s
}

// WithCache memoizes up to size committed event logs so repeated Exec calls
// for the same id skip the repository read. Entries are refreshed after
// each successful commit, and a conflicted commit drops the entry so the
// retry re-reads from storage. Do not combine with a QueuedRepository: the
// cache bypasses Get, which is where its locks are taken
func (s *Session[A]) WithCache(size int) *Session[A] {
	s.cache = newLogCache(size)
	return s
}

// Exec hydrates the aggregate for id (starting from an empty entity when
// none is stored), runs cmd, and commits any appended events. A commit that
// fails with a ConcurrentWriteError restarts the cycle from a fresh read,
// up to the retry budget. When the repository holds per-id locks (a
// QueuedRepository), every exit that is not a successful commit releases
// the id's lock, so a retry can re-acquire it
func (s *Session[A]) Exec(
	ctx context.Context, id string, cmd Command[A],
) (A, error) {
	var zero A

	for range s.maxRetries {
		entity, err := s.load(ctx, id)
		if err != nil {
			return zero, err
		}

		agg, err := Hydrate(s.cons, entity)
		if err != nil {
			s.release(id)
			return zero, err
		}
		if err := cmd(agg); err != nil {
			s.release(id)
			return zero, err
		}
		if len(agg.Entity().NewEvents()) == 0 {
			s.release(id)
			return agg, nil
		}

		err = s.repo.Commit(ctx, agg.Entity())
		if err == nil {
			s.remember(id, agg.Entity())
			return agg, nil
		}
		var conflict *ConcurrentWriteError
		if !errors.As(err, &conflict) {
			s.release(id)
			return zero, err
		}
		s.forget(id)
		s.release(id)
	}
	return zero, ErrMaxRetriesExceeded
}

// load reads the entity for id from the cache when possible, falling back
// to the repository. A missing entity starts empty
func (s *Session[A]) load(ctx context.Context, id string) (*Entity, error) {
	if s.cache != nil {
		if events, ok := s.cache.get(id); ok {
			e := NewEntity(id)
			e.LoadFromHistory(events)
			return e, nil
		}
	}

	entity, err := s.repo.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return NewEntity(id), nil
	}
	if err != nil {
		return nil, err
	}
	s.remember(id, entity)
	return entity, nil
}

func (s *Session[A]) remember(id string, e *Entity) {
	if s.cache != nil {
		s.cache.put(id, e.Events())
	}
}

func (s *Session[A]) forget(id string) {
	if s.cache != nil {
		s.cache.remove(id)
	}
}

func (s *Session[A]) release(id string) {
	if a, ok := s.repo.(aborter); ok {
		a.Abort(id)
	}
}

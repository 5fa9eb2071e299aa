package sourced_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sourced "github.com/patrickleet/sourced-go"
)

func TestSessionCreatesOnFirstExec(t *testing.T) {
	ctx := context.Background()
	repo := sourced.NewMemoryRepository()
	session := sourced.NewSession(repo, NewCounter)

	c, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Increment(3)
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, c.value)
	assert.Equal(t, int64(1), c.Entity().CommittedVersion())

	c, err = session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Decrement(1)
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, c.value)
	assert.Equal(t, int64(2), c.Entity().Version())
}

func TestSessionSkipsCommitWithoutEvents(t *testing.T) {
	ctx := context.Background()
	repo := sourced.NewMemoryRepository()
	session := sourced.NewSession(repo, NewCounter)

	c, err := session.Exec(ctx, "counter:1", func(*Counter) error {
		return nil
	})
	assert.NoError(t, err)
	assert.NotNil(t, c)

	// the no-op exec persisted nothing
	_, err = repo.Get(ctx, "counter:1")
	assert.ErrorIs(t, err, sourced.ErrNotFound)
}

func TestSessionPropagatesCommandError(t *testing.T) {
	ctx := context.Background()
	repo := sourced.NewMemoryRepository()
	session := sourced.NewSession(repo, NewCounter)

	_, err := session.Exec(ctx, "counter:1", func(*Counter) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
}

func TestSessionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	repo := sourced.NewMemoryRepository()
	seedEntity(t, repo, "counter:1", 1)
	session := sourced.NewSession(repo, NewCounter)

	// an out-of-band commit lands between the session's read and commit,
	// forcing one retry
	raced := false
	c, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		if !raced {
			raced = true
			racer, err := repo.Get(ctx, "counter:1")
			if err != nil {
				return err
			}
			racer.Append(EventIncremented, []byte(`{"delta":10}`))
			if err := repo.Commit(ctx, racer); err != nil {
				return err
			}
		}
		return c.Increment(1)
	})
	assert.NoError(t, err)
	assert.True(t, raced)

	// the retry re-read included the racer's event
	assert.Equal(t, 12, c.value)
	assert.Equal(t, int64(3), c.Entity().Version())
}

func TestSessionExhaustsRetryBudget(t *testing.T) {
	ctx := context.Background()
	repo := sourced.NewMemoryRepository()
	seedEntity(t, repo, "counter:1", 1)
	session := sourced.NewSession(repo, NewCounter).WithMaxRetries(3)

	// every attempt loses the race
	attempts := 0
	_, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		attempts++
		racer, err := repo.Get(ctx, "counter:1")
		if err != nil {
			return err
		}
		racer.Append(EventIncremented, []byte(`{"delta":1}`))
		if err := repo.Commit(ctx, racer); err != nil {
			return err
		}
		return c.Increment(1)
	})
	assert.ErrorIs(t, err, sourced.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts)
}

func TestSessionRetriesOverQueuedRepository(t *testing.T) {
	ctx := context.Background()
	inner := sourced.NewMemoryRepository()
	seedEntity(t, inner, "counter:1", 1)
	q := sourced.NewQueuedRepository(inner)
	session := sourced.NewSession(q, NewCounter)

	// an out-of-band commit through the inner repository makes the first
	// commit conflict; the retry must re-acquire the id's lock rather
	// than deadlock on it
	type result struct {
		c   *Counter
		err error
	}
	done := make(chan result, 1)
	raced := false
	go func() {
		c, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
			if !raced {
				raced = true
				racer, err := inner.Get(ctx, "counter:1")
				if err != nil {
					return err
				}
				racer.Append(EventIncremented, []byte(`{"delta":10}`))
				if err := inner.Commit(ctx, racer); err != nil {
					return err
				}
			}
			return c.Increment(1)
		})
		done <- result{c: c, err: err}
	}()

	select {
	case res := <-done:
		assert.NoError(t, res.err)
		assert.Equal(t, 12, res.c.value)
	case <-time.After(2 * time.Second):
		t.Fatal("session deadlocked retrying over the queued repository")
	}

	// the lock is free after the successful commit
	ok, err := q.Locks().Get("counter:1").TryLock()
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionReleasesQueuedLockOnCommandError(t *testing.T) {
	ctx := context.Background()
	inner := sourced.NewMemoryRepository()
	seedEntity(t, inner, "counter:1", 1)
	q := sourced.NewQueuedRepository(inner)
	session := sourced.NewSession(q, NewCounter)

	_, err := session.Exec(ctx, "counter:1", func(*Counter) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	ok, err := q.Locks().Get("counter:1").TryLock()
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionReleasesQueuedLockWithoutEvents(t *testing.T) {
	ctx := context.Background()
	q := sourced.NewQueuedRepository(sourced.NewMemoryRepository())
	session := sourced.NewSession(q, NewCounter)

	_, err := session.Exec(ctx, "counter:1", func(*Counter) error {
		return nil
	})
	assert.NoError(t, err)

	ok, err := q.Locks().Get("counter:1").TryLock()
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionReleasesLockThroughSnapshotWrapper(t *testing.T) {
	ctx := context.Background()
	inner := sourced.NewMemoryRepository()
	seedEntity(t, inner, "counter:1", 1)
	q := sourced.NewQueuedRepository(inner)
	snapshots := sourced.NewSnapshotRepository(
		q, sourced.NewMemorySnapshotStore(), syncSnapshotConfig(100),
	)
	defer func() { _ = snapshots.Close() }()
	session := sourced.NewSession(snapshots, NewCounter)

	_, err := session.Exec(ctx, "counter:1", func(*Counter) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	// the release reached the queued repository through the wrapper
	ok, err := q.Locks().Get("counter:1").TryLock()
	assert.NoError(t, err)
	assert.True(t, ok)
}

type countingRepo struct {
	*sourced.MemoryRepository
	gets int
}

func (r *countingRepo) Get(
	ctx context.Context, id string,
) (*sourced.Entity, error) {
	r.gets++
	return r.MemoryRepository.Get(ctx, id)
}

func TestSessionCacheSkipsRepositoryRead(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{MemoryRepository: sourced.NewMemoryRepository()}
	session := sourced.NewSession[*Counter](repo, NewCounter).WithCache(16)

	c, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Increment(3)
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, c.value)
	reads := repo.gets

	// the second exec is served from the cached log
	c, err = session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Increment(2)
	})
	assert.NoError(t, err)
	assert.Equal(t, 5, c.value)
	assert.Equal(t, reads, repo.gets)

	stored, err := repo.Get(ctx, "counter:1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version())
}

func TestSessionCacheInvalidatedOnConflict(t *testing.T) {
	ctx := context.Background()
	repo := &countingRepo{MemoryRepository: sourced.NewMemoryRepository()}
	session := sourced.NewSession[*Counter](repo, NewCounter).WithCache(16)

	_, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Increment(1)
	})
	assert.NoError(t, err)

	// an out-of-band commit makes the cached log stale
	racer, err := repo.MemoryRepository.Get(ctx, "counter:1")
	assert.NoError(t, err)
	racer.Append(EventIncremented, []byte(`{"delta":10}`))
	assert.NoError(t, repo.Commit(ctx, racer))

	// the stale cached commit conflicts, drops the entry, and the retry
	// re-reads from storage
	c, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Increment(1)
	})
	assert.NoError(t, err)
	assert.Equal(t, 12, c.value)
	assert.Equal(t, int64(3), c.Entity().Version())
}

func TestSessionSurfacesRepositoryErrors(t *testing.T) {
	ctx := context.Background()
	session := sourced.NewSession(failingRepo{}, NewCounter)

	_, err := session.Exec(ctx, "counter:1", func(c *Counter) error {
		return c.Increment(1)
	})
	assert.ErrorIs(t, err, errStorage)
}

var errStorage = errors.New("storage offline")

type failingRepo struct{}

func (failingRepo) Get(context.Context, string) (*sourced.Entity, error) {
	return nil, errStorage
}

func (failingRepo) GetAll(
	context.Context, ...string,
) ([]*sourced.Entity, error) {
	return nil, errStorage
}

func (failingRepo) Commit(context.Context, ...*sourced.Entity) error {
	return errStorage
}

package sourced

import "context"

type (
	// Repository is the storage abstraction over entities. Reads return
	// the full accumulated event log for an id unmodified; replay is the
	// caller's (or Hydrate's) responsibility
	Repository interface {
		// Get returns the entity for id, or ErrNotFound
		Get(ctx context.Context, id string) (*Entity, error)
		// GetAll returns entities for the ids that exist, skipping the
		// rest
		GetAll(ctx context.Context, ids ...string) ([]*Entity, error)
		// Commit persists the new events of every entity in the batch.
		// Each entity's committed version is validated against the stored
		// version before any write; a stale entity fails the whole batch
		// with a ConcurrentWriteError and nothing is written. On success
		// every entity is marked committed
		Commit(ctx context.Context, entities ...*Entity) error
	}

	// IDLister is implemented by repositories that can enumerate stored
	// ids by prefix. The outbox claims work through it
	IDLister interface {
		ListIDs(ctx context.Context, prefix string) ([]string, error)
	}
)

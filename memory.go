package sourced

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository is the in-process Repository backend. The backing map is
// guarded by a coarse read/write lock: reads proceed concurrently, commits
// serialize, so validate-then-write happens in one exclusive pass
type MemoryRepository struct {
	logs map[string][]*EventRecord
	mu   sync.RWMutex
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		logs: map[string][]*EventRecord{},
	}
}

// Get returns the entity for id, or ErrNotFound
func (r *MemoryRepository) Get(
	_ context.Context, id string,
) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(id)
}

// GetAll returns entities for the ids that exist, skipping the rest
func (r *MemoryRepository) GetAll(
	_ context.Context, ids ...string,
) ([]*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		e, err := r.getLocked(id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Commit validates every entity against the stored logs, then persists the
// full post-mutation log of each. A stale entity fails the entire batch
func (r *MemoryRepository) Commit(
	_ context.Context, entities ...*Entity,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{}
	for _, e := range entities {
		if seen[e.ID()] {
			return ErrDuplicateID
		}
		seen[e.ID()] = true

		actual := int64(len(r.logs[e.ID()]))
		if e.CommittedVersion() != actual {
			return &ConcurrentWriteError{
				ID:       e.ID(),
				Expected: e.CommittedVersion(),
				Actual:   actual,
			}
		}
	}

	for _, e := range entities {
		log := make([]*EventRecord, e.Version())
		copy(log, e.Events())
		r.logs[e.ID()] = log
		e.MarkCommitted()
	}
	return nil
}

// ListIDs returns the stored ids matching prefix, sorted
func (r *MemoryRepository) ListIDs(
	_ context.Context, prefix string,
) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id := range r.logs {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) getLocked(id string) (*Entity, error) {
	log, ok := r.logs[id]
	if !ok {
		return nil, ErrNotFound
	}
	e := NewEntity(id)
	e.LoadFromHistory(log)
	return e, nil
}

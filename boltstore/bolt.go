// Package boltstore persists event logs and snapshots in a single-file
// bbolt database. Commits run inside one write transaction, so batch
// validation and writes are a single exclusive pass
package boltstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"go.etcd.io/bbolt"

	sourced "github.com/patrickleet/sourced-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	eventsBucket    = []byte("events")
	snapshotsBucket = []byte("snapshots")
)

// Store is a Repository, IDLister and SnapshotStore backed by bbolt
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file and its buckets
func Open(path string, mode os.FileMode, opts *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, mode, opts)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(eventsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the entity for id, or sourced.ErrNotFound
func (s *Store) Get(_ context.Context, id string) (*sourced.Entity, error) {
	var entity *sourced.Entity
	err := s.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntity(tx, id)
		if err != nil {
			return err
		}
		entity = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// GetAll returns entities for the ids that exist, skipping the rest
func (s *Store) GetAll(
	_ context.Context, ids ...string,
) ([]*sourced.Entity, error) {
	out := make([]*sourced.Entity, 0, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			e, err := getEntity(tx, id)
			if errors.Is(err, sourced.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Commit validates every entity's committed version against the stored log
// lengths, then writes the full post-mutation logs, all inside one write
// transaction. A stale entity fails the whole batch and nothing is written
func (s *Store) Commit(
	_ context.Context, entities ...*sourced.Entity,
) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(eventsBucket)

		seen := map[string]bool{}
		for _, e := range entities {
			if seen[e.ID()] {
				return sourced.ErrDuplicateID
			}
			seen[e.ID()] = true

			actual, err := storedVersion(b, e.ID())
			if err != nil {
				return err
			}
			if e.CommittedVersion() != actual {
				return &sourced.ConcurrentWriteError{
					ID:       e.ID(),
					Expected: e.CommittedVersion(),
					Actual:   actual,
				}
			}
		}

		for _, e := range entities {
			data, err := json.Marshal(e.Events())
			if err != nil {
				return err
			}
			if err := b.Put([]byte(e.ID()), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entities {
		e.MarkCommitted()
	}
	return nil
}

// ListIDs returns the stored entity ids matching prefix, in key order
func (s *Store) ListIDs(
	_ context.Context, prefix string,
) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetSnapshot returns the snapshot for id, or sourced.ErrNoSnapshot
func (s *Store) GetSnapshot(
	_ context.Context, id string,
) (*sourced.SnapshotRecord, error) {
	var rec *sourced.SnapshotRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(snapshotsBucket).Get([]byte(id))
		if raw == nil {
			return sourced.ErrNoSnapshot
		}
		rec = &sourced.SnapshotRecord{}
		return json.Unmarshal(raw, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveSnapshot stores the record, overwriting any previous one
func (s *Store) SaveSnapshot(
	_ context.Context, rec *sourced.SnapshotRecord,
) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(rec.AggregateID), data)
	})
}

// DeleteSnapshot removes the snapshot for id, if any
func (s *Store) DeleteSnapshot(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Delete([]byte(id))
	})
}

func getEntity(tx *bbolt.Tx, id string) (*sourced.Entity, error) {
	raw := tx.Bucket(eventsBucket).Get([]byte(id))
	if raw == nil {
		return nil, sourced.ErrNotFound
	}

	var events []*sourced.EventRecord
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("corrupt event log for %q: %w", id, err)
	}

	e := sourced.NewEntity(id)
	e.LoadFromHistory(events)
	return e, nil
}

func storedVersion(b *bbolt.Bucket, id string) (int64, error) {
	raw := b.Get([]byte(id))
	if raw == nil {
		return 0, nil
	}
	var events []jsoniter.RawMessage
	if err := json.Unmarshal(raw, &events); err != nil {
		return 0, fmt.Errorf("corrupt event log for %q: %w", id, err)
	}
	return int64(len(events)), nil
}

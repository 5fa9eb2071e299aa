// Package pgstore persists event logs and snapshots in PostgreSQL. Commits
// run in a transaction that takes per-id advisory locks in sorted order,
// validates every entity's expected version, then inserts, so a batch is
// all-or-nothing and concurrent committers for the same ids serialize
// without deadlocking
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	sourced "github.com/patrickleet/sourced-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	// Store is a Repository, IDLister and SnapshotStore backed by
	// PostgreSQL
	Store struct {
		pool           *pgxpool.Pool
		log            *zap.Logger
		eventsTable    string
		snapshotsTable string
	}

	// Option configures a Store
	Option func(*Store) error
)

const (
	defaultEventsTable    = "events"
	defaultSnapshotsTable = "snapshots"
)

// ErrNilPool indicates New was called without a connection pool
var ErrNilPool = errors.New("nil connection pool")

// WithEventsTable overrides the events table name
func WithEventsTable(name string) Option {
	return func(s *Store) error {
		if name == "" {
			return errors.New("empty events table name")
		}
		s.eventsTable = name
		return nil
	}
}

// WithSnapshotsTable overrides the snapshots table name
func WithSnapshotsTable(name string) Option {
	return func(s *Store) error {
		if name == "" {
			return errors.New("empty snapshots table name")
		}
		s.snapshotsTable = name
		return nil
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) error {
		s.log = log
		return nil
	}
}

// New creates a Store over an existing pool
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, ErrNilPool
	}

	s := &Store{
		pool:           pool,
		log:            zap.NewNop(),
		eventsTable:    defaultEventsTable,
		snapshotsTable: defaultSnapshotsTable,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the events and snapshots tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			entity_id     text        NOT NULL,
			sequence      bigint      NOT NULL,
			event_name    text        NOT NULL,
			payload       bytea       NOT NULL,
			event_version int         NOT NULL DEFAULT 1,
			occurred_at   timestamptz NOT NULL,
			metadata      jsonb,
			PRIMARY KEY (entity_id, sequence)
		);
		CREATE TABLE IF NOT EXISTS %s (
			aggregate_id text PRIMARY KEY,
			version      bigint NOT NULL,
			state        bytea  NOT NULL
		);`, s.eventsTable, s.snapshotsTable)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Get returns the entity for id, or sourced.ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*sourced.Entity, error) {
	events, err := s.queryEvents(ctx, s.pool, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, sourced.ErrNotFound
	}

	e := sourced.NewEntity(id)
	e.LoadFromHistory(events)
	return e, nil
}

// GetAll returns entities for the ids that exist, skipping the rest
func (s *Store) GetAll(
	ctx context.Context, ids ...string,
) ([]*sourced.Entity, error) {
	out := make([]*sourced.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if errors.Is(err, sourced.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Commit validates and inserts every entity's new events in one
// transaction. Per-id advisory locks are taken in sorted id order so
// overlapping batches from concurrent committers cannot deadlock
func (s *Store) Commit(
	ctx context.Context, entities ...*sourced.Entity,
) error {
	if len(entities) == 0 {
		return nil
	}

	byID := map[string]*sourced.Entity{}
	for _, e := range entities {
		if _, ok := byID[e.ID()]; ok {
			return sourced.ErrDuplicateID
		}
		byID[e.ID()] = e
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, id := range ids {
		e := byID[id]

		_, err := tx.Exec(
			ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id,
		)
		if err != nil {
			return err
		}

		var actual int64
		row := tx.QueryRow(ctx, fmt.Sprintf(
			`SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE entity_id = $1`,
			s.eventsTable,
		), id)
		if err := row.Scan(&actual); err != nil {
			return err
		}
		if e.CommittedVersion() != actual {
			s.log.Info("concurrency conflict detected",
				zap.String("entity_id", id),
				zap.Int64("expected_sequence", e.CommittedVersion()),
				zap.Int64("actual_sequence", actual),
			)
			return &sourced.ConcurrentWriteError{
				ID:       id,
				Expected: e.CommittedVersion(),
				Actual:   actual,
			}
		}

		if err := s.insertEvents(ctx, tx, id, e.NewEvents()); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, e := range entities {
		e.MarkCommitted()
	}
	s.log.Debug("events appended",
		zap.Int("entity_count", len(entities)),
	)
	return nil
}

// ListIDs returns the stored entity ids matching prefix, sorted
func (s *Store) ListIDs(
	ctx context.Context, prefix string,
) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT DISTINCT entity_id FROM %s
		 WHERE left(entity_id, length($1::text)) = $1
		 ORDER BY entity_id`,
		s.eventsTable,
	), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSnapshot returns the snapshot for id, or sourced.ErrNoSnapshot
func (s *Store) GetSnapshot(
	ctx context.Context, id string,
) (*sourced.SnapshotRecord, error) {
	rec := &sourced.SnapshotRecord{AggregateID: id}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT version, state FROM %s WHERE aggregate_id = $1`,
		s.snapshotsTable,
	), id)

	err := row.Scan(&rec.Version, &rec.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sourced.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveSnapshot stores the record, overwriting any previous one
func (s *Store) SaveSnapshot(
	ctx context.Context, rec *sourced.SnapshotRecord,
) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (aggregate_id, version, state)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (aggregate_id)
		 DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state`,
		s.snapshotsTable,
	), rec.AggregateID, rec.Version, rec.State)
	return err
}

// DeleteSnapshot removes the snapshot for id, if any
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE aggregate_id = $1`, s.snapshotsTable,
	), id)
	return err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) queryEvents(
	ctx context.Context, q querier, id string,
) ([]*sourced.EventRecord, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(
		`SELECT event_name, payload, sequence, event_version, occurred_at,
		        metadata
		 FROM %s WHERE entity_id = $1 ORDER BY sequence`,
		s.eventsTable,
	), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*sourced.EventRecord
	for rows.Next() {
		ev := &sourced.EventRecord{}
		var occurredAt time.Time
		var metadata []byte
		err := rows.Scan(
			&ev.Name, &ev.Payload, &ev.Sequence, &ev.Version,
			&occurredAt, &metadata,
		)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = occurredAt
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) insertEvents(
	ctx context.Context, tx pgx.Tx, id string, events []*sourced.EventRecord,
) error {
	for _, ev := range events {
		var metadata []byte
		if len(ev.Metadata) > 0 {
			var err error
			if metadata, err = json.Marshal(ev.Metadata); err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (entity_id, sequence, event_name, payload,
			                 event_version, occurred_at, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			s.eventsTable,
		), id, ev.Sequence, ev.Name, ev.Payload, ev.Version,
			ev.Timestamp, metadata)
		if err != nil {
			return err
		}
	}
	return nil
}

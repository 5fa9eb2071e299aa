// Package redisstore persists event logs and snapshots in Redis. Commits
// run through a Lua script that validates every entity's expected version
// and appends atomically, so a batch is all-or-nothing even across ids
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	sourced "github.com/patrickleet/sourced-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type (
	// Config describes the Redis connection and key namespace
	Config struct {
		Addr     string
		Password string
		Prefix   string
		DB       int
	}

	// Store is a Repository, IDLister and SnapshotStore backed by Redis
	Store struct {
		client    *redis.Client
		prefix    string
		commitLua *redis.Script
	}
)

const (
	// ConnectTimeout bounds the initial ping
	ConnectTimeout = 5 * time.Second

	DefaultEndpoint = "localhost:6379"
	DefaultPrefix   = "sourced"

	eventsSuffix   = ":events"
	snapshotSuffix = ":snapshot"
)

// ErrUnexpectedLuaResult indicates the commit script returned a shape the
// client does not understand
var ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")

const luaCommit = `
	-- Atomically validate and append event batches for several entities
	-- KEYS[i] = event list key for entity i
	-- ARGV layout, per entity: expected length, event count, events (JSON)
	-- Returns: {1} on success, or {0, entityIndex, actualLength}

	local cursor = 1
	for i = 1, #KEYS do
		local expected = tonumber(ARGV[cursor])
		local count = tonumber(ARGV[cursor + 1])
		local len = redis.call('LLEN', KEYS[i])
		if expected ~= len then
			return {0, i, len}
		end
		cursor = cursor + 2 + count
	end

	cursor = 1
	for i = 1, #KEYS do
		local count = tonumber(ARGV[cursor + 1])
		for j = cursor + 2, cursor + 1 + count do
			redis.call('RPUSH', KEYS[i], ARGV[j])
		end
		cursor = cursor + 2 + count
	end
	return {1}
	`

// DefaultConfig returns the local development defaults
func DefaultConfig() Config {
	return Config{
		Addr:   DefaultEndpoint,
		Prefix: DefaultPrefix,
	}
}

// New connects to Redis and verifies the connection
func New(cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Store{
		client:    client,
		prefix:    cfg.Prefix,
		commitLua: redis.NewScript(luaCommit),
	}, nil
}

// Client exposes the underlying Redis client for composing publishers
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the entity for id, or sourced.ErrNotFound
func (s *Store) Get(ctx context.Context, id string) (*sourced.Entity, error) {
	items, err := s.client.LRange(ctx, s.eventsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, sourced.ErrNotFound
	}

	events, err := unmarshalEvents(items)
	if err != nil {
		return nil, err
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

// Commit appends every entity's new events through the commit script. A
// stale entity fails the whole batch with a ConcurrentWriteError
func (s *Store) Commit(
	ctx context.Context, entities ...*sourced.Entity,
) error {
	if len(entities) == 0 {
		return nil
	}

	keys := make([]string, 0, len(entities))
	args := make([]any, 0, len(entities)*3)
	seen := map[string]bool{}

	for _, e := range entities {
		if seen[e.ID()] {
			return sourced.ErrDuplicateID
		}
		seen[e.ID()] = true
		keys = append(keys, s.eventsKey(e.ID()))

		newEvents := e.NewEvents()
		args = append(args, e.CommittedVersion(), len(newEvents))
		for _, ev := range newEvents {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			args = append(args, string(data))
		}
	}

	result, err := s.commitLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return err
	}

	res, ok := result.([]any)
	if !ok || len(res) == 0 {
		return ErrUnexpectedLuaResult
	}
	if res[0].(int64) == 0 {
		if len(res) < 3 {
			return ErrUnexpectedLuaResult
		}
		idx := res[1].(int64) - 1
		stale := entities[idx]
		return &sourced.ConcurrentWriteError{
			ID:       stale.ID(),
			Expected: stale.CommittedVersion(),
			Actual:   res[2].(int64),
		}
	}

	for _, e := range entities {
		e.MarkCommitted()
	}
	return nil
}

// ListIDs returns the stored entity ids matching prefix, sorted. The
// keyspace is walked with SCAN so the server never blocks on one long pass;
// duplicates from cursor rescans are compacted out
func (s *Store) ListIDs(
	ctx context.Context, prefix string,
) ([]string, error) {
	pattern := fmt.Sprintf("%s:%s*%s", s.prefix, prefix, eventsSuffix)

	var ids []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		trimmed := strings.TrimPrefix(iter.Val(), s.prefix+":")
		ids = append(ids, strings.TrimSuffix(trimmed, eventsSuffix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// GetSnapshot returns the snapshot for id, or sourced.ErrNoSnapshot
func (s *Store) GetSnapshot(
	ctx context.Context, id string,
) (*sourced.SnapshotRecord, error) {
	raw, err := s.client.Get(ctx, s.snapshotKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sourced.ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	rec := &sourced.SnapshotRecord{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SaveSnapshot stores the record, overwriting any previous one
func (s *Store) SaveSnapshot(
	ctx context.Context, rec *sourced.SnapshotRecord,
) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(
		ctx, s.snapshotKey(rec.AggregateID), string(data), 0,
	).Err()
}

// DeleteSnapshot removes the snapshot for id, if any
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.snapshotKey(id)).Err()
}

func (s *Store) eventsKey(id string) string {
	return fmt.Sprintf("%s:%s%s", s.prefix, id, eventsSuffix)
}

func (s *Store) snapshotKey(id string) string {
	return fmt.Sprintf("%s:%s%s", s.prefix, id, snapshotSuffix)
}

func unmarshalEvents(items []string) ([]*sourced.EventRecord, error) {
	events := make([]*sourced.EventRecord, 0, len(items))
	for _, item := range items {
		ev := &sourced.EventRecord{}
		if err := json.Unmarshal([]byte(item), ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

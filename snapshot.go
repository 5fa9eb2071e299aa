package sourced

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type (
	// SnapshotRecord is a checkpoint of aggregate state at a version. One
	// record exists per aggregate id; the latest overwrites the previous
	SnapshotRecord struct {
		AggregateID string `json:"aggregate_id"`
		State       []byte `json:"state"`
		Version     int64  `json:"version"`
	}

	// SnapshotStore persists snapshot records
	SnapshotStore interface {
		// GetSnapshot returns the snapshot for id, or ErrNoSnapshot
		GetSnapshot(ctx context.Context, id string) (*SnapshotRecord, error)
		// SaveSnapshot stores the record, overwriting any previous one
		SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error
		// DeleteSnapshot removes the snapshot for id, if any
		DeleteSnapshot(ctx context.Context, id string) error
	}

	// Snapshottable is implemented by aggregates that support checkpoint
	// serialization
	Snapshottable interface {
		CreateSnapshot() ([]byte, error)
		RestoreFromSnapshot([]byte) error
	}

	// SnapshotConfig tunes the snapshotting repository
	SnapshotConfig struct {
		Logger *zap.Logger
		// Frequency is the number of events between snapshots
		Frequency int64
		// WorkerCount and MaxQueueSize size the async save queue
		WorkerCount  int
		MaxQueueSize int
		SaveTimeout  time.Duration
		// Synchronous saves snapshots inline with the commit, for tests
		// and callers that need the checkpoint durable before returning
		Synchronous bool
	}

	// SnapshotRepository wraps a Repository and records a checkpoint each
	// time a committed aggregate's version crosses the configured
	// frequency threshold since its last snapshot
	SnapshotRepository struct {
		Repository
		store  SnapshotStore
		log    *zap.Logger
		queue  chan snapshotRequest
		cancel context.CancelFunc
		ctx    context.Context
		config SnapshotConfig
		wg     sync.WaitGroup
	}

	snapshotRequest struct {
		id      string
		state   []byte
		version int64
	}
)

// MemorySnapshotStore is the in-process SnapshotStore backend
type MemorySnapshotStore struct {
	records map[string]*SnapshotRecord
	mu      sync.RWMutex
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		records: map[string]*SnapshotRecord{},
	}
}

func (s *MemorySnapshotStore) GetSnapshot(
	_ context.Context, id string,
) (*SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNoSnapshot
	}
	return rec, nil
}

func (s *MemorySnapshotStore) SaveSnapshot(
	_ context.Context, rec *SnapshotRecord,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.AggregateID] = rec
	return nil
}

func (s *MemorySnapshotStore) DeleteSnapshot(
	_ context.Context, id string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// NewSnapshotRepository wraps inner with snapshot bookkeeping against store
func NewSnapshotRepository(
	inner Repository, store SnapshotStore, cfg SnapshotConfig,
) *SnapshotRepository {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &SnapshotRepository{
		Repository: inner,
		store:      store,
		config:     cfg,
		log:        cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
	}

	if !cfg.Synchronous {
		r.queue = make(chan snapshotRequest, cfg.MaxQueueSize)
		for i := 0; i < cfg.WorkerCount; i++ {
			r.wg.Add(1)
			go r.worker(i)
		}
	}
	return r
}

// Store exposes the underlying snapshot store
func (r *SnapshotRepository) Store() SnapshotStore {
	return r.store
}

// Abort forwards to the inner repository's lock release when it has one,
// so a Session composed over a queued repository keeps its retry discipline
// through this wrapper
func (r *SnapshotRepository) Abort(ids ...string) {
	if a, ok := r.Repository.(aborter); ok {
		a.Abort(ids...)
	}
}

// CommitAggregates commits the aggregates' entities through the inner
// repository, then checkpoints each Snapshottable aggregate whose version
// has advanced at least Frequency events past its last snapshot
func (r *SnapshotRepository) CommitAggregates(
	ctx context.Context, aggs ...Aggregate,
) error {
	entities := make([]*Entity, len(aggs))
	for i, agg := range aggs {
		entities[i] = agg.Entity()
	}
	if err := r.Repository.Commit(ctx, entities...); err != nil {
		return err
	}

	for _, agg := range aggs {
		r.maybeSnapshot(ctx, agg)
	}
	return nil
}

// HydrateFromSnapshot reconstructs an aggregate from its entity's log,
// fast-started from the stored snapshot when one exists: state is restored
// from the checkpoint and only events past the snapshot version are
// replayed. Without a snapshot it falls back to a full replay
func HydrateFromSnapshot[A Aggregate](
	ctx context.Context, store SnapshotStore, cons Constructor[A],
	entity *Entity,
) (A, error) {
	var zero A

	rec, err := store.GetSnapshot(ctx, entity.ID())
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return Hydrate(cons, entity)
		}
		return zero, err
	}

	agg := cons()
	sn, ok := any(agg).(Snapshottable)
	if !ok {
		return Hydrate(cons, entity)
	}

	en := agg.Entity()
	en.setID(entity.ID())

	if err := sn.RestoreFromSnapshot(rec.State); err != nil {
		return zero, &ReplayError{
			ID:    entity.ID(),
			Event: "snapshot",
			Seq:   rec.Version,
			Err:   err,
		}
	}

	events := entity.Events()
	replayEvents := events
	if up, ok := any(agg).(Upcasting); ok {
		replayEvents = UpcastAll(up.Upcasters(), events)
	}
	en.LoadFromHistory(events)
	en.setSnapshotVersion(rec.Version)

	if err := replayInto(agg, replayEvents, rec.Version); err != nil {
		return zero, err
	}
	return agg, nil
}

// Close stops the async save workers, draining nothing still queued
func (r *SnapshotRepository) Close() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *SnapshotRepository) maybeSnapshot(ctx context.Context, agg Aggregate) {
	sn, ok := agg.(Snapshottable)
	if !ok {
		return
	}

	en := agg.Entity()
	if en.Version()-en.SnapshotVersion() < r.config.Frequency {
		return
	}

	state, err := sn.CreateSnapshot()
	if err != nil {
		r.log.Error("failed to serialize snapshot",
			zap.String("aggregate_id", en.ID()),
			zap.Int64("version", en.Version()),
			zap.Error(err),
		)
		return
	}

	req := snapshotRequest{
		id:      en.ID(),
		state:   state,
		version: en.Version(),
	}

	if r.config.Synchronous {
		if r.save(ctx, 0, req) {
			en.setSnapshotVersion(req.version)
		}
		return
	}

	select {
	case r.queue <- req:
		en.setSnapshotVersion(req.version)
	default:
		r.log.Warn("snapshot queue full, dropping request",
			zap.String("aggregate_id", req.id),
			zap.Int64("version", req.version),
			zap.Int("queue_size", len(r.queue)),
		)
	}
}

func (r *SnapshotRepository) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.queue:
			r.save(r.ctx, id, req)
		}
	}
}

func (r *SnapshotRepository) save(
	ctx context.Context, workerID int, req snapshotRequest,
) bool {
	if r.config.SaveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.SaveTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.store.SaveSnapshot(ctx, &SnapshotRecord{
		AggregateID: req.id,
		Version:     req.version,
		State:       req.state,
	})
	duration := time.Since(start)

	if err != nil {
		r.log.Error("failed to save snapshot",
			zap.Int("worker_id", workerID),
			zap.String("aggregate_id", req.id),
			zap.Int64("version", req.version),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return false
	}

	r.log.Debug("snapshot saved",
		zap.Int("worker_id", workerID),
		zap.String("aggregate_id", req.id),
		zap.Int64("version", req.version),
		zap.Duration("duration", duration),
	)
	return true
}

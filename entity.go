package sourced

import (
	"time"
)

type (
	// EventRecord is one immutable fact in an entity's log. Payload is
	// opaque binary; when the record itself is serialized as JSON the
	// payload is base64-encoded and survives text transport unchanged
	EventRecord struct {
		Name      string            `json:"event_name"`
		Payload   []byte            `json:"payload"`
		Sequence  int64             `json:"sequence"`
		Version   int               `json:"event_version"`
		Timestamp time.Time         `json:"timestamp"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}

	// Entity is the storage-facing half of an aggregate: an identity plus
	// its append-only event log and version counters. It is not safe for
	// concurrent use
	Entity struct {
		id               string
		events           []*EventRecord
		version          int64
		committedVersion int64
		snapshotVersion  int64
		replaying        bool
		lastModified     time.Time
	}
)

// DefaultEventVersion is the schema version assigned to appended events
const DefaultEventVersion = 1

// NewEntity creates an empty Entity with the given id. The id is immutable
// once set; pass "" to defer assignment until hydration
func NewEntity(id string) *Entity {
	return &Entity{id: id}
}

// ID returns the entity's identifier
func (e *Entity) ID() string {
	return e.id
}

// setID assigns the id if it has not been set before
func (e *Entity) setID(id string) {
	if e.id == "" {
		e.id = id
	}
}

// Version returns the count of events ever appended
func (e *Entity) Version() int64 {
	return e.version
}

// CommittedVersion returns the count of events already durably persisted
func (e *Entity) CommittedVersion() int64 {
	return e.committedVersion
}

// SnapshotVersion returns the version at which the last snapshot was taken,
// or 0 if none
func (e *Entity) SnapshotVersion() int64 {
	return e.snapshotVersion
}

func (e *Entity) setSnapshotVersion(v int64) {
	e.snapshotVersion = v
}

// LastModified returns the time of the most recent append or load
func (e *Entity) LastModified() time.Time {
	return e.lastModified
}

// Events returns the full ordered event log
func (e *Entity) Events() []*EventRecord {
	out := make([]*EventRecord, len(e.events))
	copy(out, e.events)
	return out
}

// NewEvents returns the suffix of the log not yet persisted by a Repository
func (e *Entity) NewEvents() []*EventRecord {
	out := make([]*EventRecord, len(e.events[e.committedVersion:]))
	copy(out, e.events[e.committedVersion:])
	return out
}

// Append records a new event with the next sequence number and returns it.
// While the entity is replaying this is a silent no-op returning nil, which
// is what makes replay safe to run through the same command methods that
// perform live mutation
func (e *Entity) Append(name string, payload []byte) *EventRecord {
	return e.AppendWithMetadata(name, payload, nil)
}

// AppendWithMetadata is Append with key/value metadata attached to the
// record, e.g. a correlation id
func (e *Entity) AppendWithMetadata(
	name string, payload []byte, metadata map[string]string,
) *EventRecord {
	if e.replaying {
		return nil
	}

	ev := &EventRecord{
		Name:      name,
		Payload:   payload,
		Sequence:  e.version + 1,
		Version:   DefaultEventVersion,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}
	e.events = append(e.events, ev)
	e.version++
	e.lastModified = ev.Timestamp
	return ev
}

// LoadFromHistory replaces the event log wholesale, as when reconstituting
// from storage. The loaded events are considered durable, so the committed
// version advances to match
func (e *Entity) LoadFromHistory(events []*EventRecord) {
	e.events = make([]*EventRecord, len(events))
	copy(e.events, events)
	e.version = int64(len(e.events))
	e.committedVersion = e.version
	if e.version > 0 {
		e.lastModified = e.events[e.version-1].Timestamp
	}
}

// MarkCommitted advances the committed version to the current version. It is
// called by a Repository after a successful persist
func (e *Entity) MarkCommitted() {
	e.committedVersion = e.version
}

// Replay runs fn with the replaying flag set, restoring it on every exit
// path so a failed replay never leaves the entity permanently non-appendable
func (e *Entity) Replay(fn func() error) error {
	e.replaying = true
	defer func() { e.replaying = false }()
	return fn()
}

package sourced

type (
	// Aggregate is implemented by every event-sourced domain type. An
	// aggregate's state is a pure function of the ordered sequence of
	// events replayed into it
	Aggregate interface {
		// Entity returns the aggregate's owned Entity
		Entity() *Entity
		// ReplayEvent folds one event into the aggregate's state
		ReplayEvent(*EventRecord) error
	}

	// Upcasting is optionally implemented by aggregates whose event
	// schemas have evolved; the returned upcasters are applied to stored
	// events before they reach ReplayEvent
	Upcasting interface {
		Upcasters() []Upcaster
	}

	// Applier folds one decoded event into an aggregate
	Applier[A Aggregate] func(A, *EventRecord) error

	// Appliers maps event names to their appliers. It is the explicit
	// event-name dispatch table built once per aggregate type
	Appliers[A Aggregate] map[string]Applier[A]

	// Constructor produces a zero-value aggregate
	Constructor[A Aggregate] func() A
)

// MakeApplier adapts a typed decode-and-apply function into an Applier,
// unmarshaling the event payload into Data first
func MakeApplier[A Aggregate, Data any](
	fn func(A, *EventRecord, Data) error,
) Applier[A] {
	return func(agg A, ev *EventRecord) error {
		var data Data
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			return err
		}
		return fn(agg, ev, data)
	}
}

// Apply dispatches an event to its applier. Events with no registered
// applier are skipped
func (a Appliers[A]) Apply(agg A, ev *EventRecord) error {
	if fn, ok := a[ev.Name]; ok {
		return fn(agg, ev)
	}
	return nil
}

// Hydrate reconstructs a typed aggregate from an entity's event log. The
// stored events are upcasted when the aggregate declares Upcasters, then
// folded through ReplayEvent under the entity's replay guard. The entity's
// own log keeps the stored records untouched; upcasted copies exist only for
// the replay, so a later commit never writes them back. If any event is
// rejected, hydration aborts with a ReplayError and no aggregate is returned
func Hydrate[A Aggregate](cons Constructor[A], entity *Entity) (A, error) {
	var zero A
	agg := cons()
	en := agg.Entity()
	en.setID(entity.ID())

	events := entity.Events()
	replayEvents := events
	if up, ok := any(agg).(Upcasting); ok {
		replayEvents = UpcastAll(up.Upcasters(), events)
	}
	en.LoadFromHistory(events)
	en.setSnapshotVersion(entity.SnapshotVersion())

	if err := replayInto(agg, replayEvents, 0); err != nil {
		return zero, err
	}
	return agg, nil
}

// replayInto folds events with Sequence > afterSeq through the aggregate's
// ReplayEvent under the replay guard
func replayInto(agg Aggregate, events []*EventRecord, afterSeq int64) error {
	en := agg.Entity()
	return en.Replay(func() error {
		for _, ev := range events {
			if ev.Sequence <= afterSeq {
				continue
			}
			if err := agg.ReplayEvent(ev); err != nil {
				return &ReplayError{
					ID:    en.ID(),
					Event: ev.Name,
					Seq:   ev.Sequence,
					Err:   err,
				}
			}
		}
		return nil
	})
}

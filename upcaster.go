package sourced

type (
	// Upcaster migrates an event payload from an older schema version to a
	// newer one. Transforms are pure and applied during replay only; the
	// stored record is never modified
	Upcaster struct {
		Transform   func([]byte) []byte
		EventType   string
		FromVersion int
		ToVersion   int
	}
)

// UpcastAll normalizes a sequence of events to the newest registered schema
// versions. Events with no matching upcaster pass through unchanged; events
// that match are cloned before transformation
func UpcastAll(ups []Upcaster, events []*EventRecord) []*EventRecord {
	if len(ups) == 0 {
		return events
	}
	out := make([]*EventRecord, len(events))
	for i, ev := range events {
		out[i] = upcast(ups, ev)
	}
	return out
}

// upcast applies matching upcasters repeatedly so multi-step chains
// (v1->v2->v3) resolve in a single pass, stopping when no upcaster matches
func upcast(ups []Upcaster, ev *EventRecord) *EventRecord {
	cloned := false
	for {
		up, ok := matchUpcaster(ups, ev)
		if !ok {
			return ev
		}
		if !cloned {
			clone := *ev
			ev = &clone
			cloned = true
		}
		ev.Payload = up.Transform(ev.Payload)
		ev.Version = up.ToVersion
	}
}

func matchUpcaster(ups []Upcaster, ev *EventRecord) (Upcaster, bool) {
	version := ev.Version
	if version == 0 {
		version = DefaultEventVersion
	}
	for _, up := range ups {
		if up.EventType == ev.Name && up.FromVersion == version {
			return up, true
		}
	}
	return Upcaster{}, false
}

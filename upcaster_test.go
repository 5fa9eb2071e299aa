package sourced_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	sourced "github.com/patrickleet/sourced-go"
)

func renameField(from, to string) func([]byte) []byte {
	return func(payload []byte) []byte {
		var data map[string]any
		if err := json.Unmarshal(payload, &data); err != nil {
			return payload
		}
		if v, ok := data[from]; ok {
			delete(data, from)
			data[to] = v
		}
		out, err := json.Marshal(data)
		if err != nil {
			return payload
		}
		return out
	}
}

func TestUpcastChain(t *testing.T) {
	ups := []sourced.Upcaster{
		{
			EventType:   "user.renamed",
			FromVersion: 1,
			ToVersion:   2,
			Transform:   renameField("name", "full_name"),
		},
		{
			EventType:   "user.renamed",
			FromVersion: 2,
			ToVersion:   3,
			Transform:   renameField("full_name", "display_name"),
		},
	}

	events := []*sourced.EventRecord{
		{Name: "user.renamed", Payload: []byte(`{"name":"ada"}`), Version: 1},
		{Name: "user.renamed", Payload: []byte(`{"full_name":"bob"}`), Version: 2},
		{Name: "user.created", Payload: []byte(`{"name":"cay"}`), Version: 1},
	}

	out := sourced.UpcastAll(ups, events)
	assert.Len(t, out, 3)

	// v1 resolves through both steps in one pass
	assert.Equal(t, 3, out[0].Version)
	assert.JSONEq(t, `{"display_name":"ada"}`, string(out[0].Payload))

	// v2 takes only the second step
	assert.Equal(t, 3, out[1].Version)
	assert.JSONEq(t, `{"display_name":"bob"}`, string(out[1].Payload))

	// unmatched events pass through as the same record
	assert.Same(t, events[2], out[2])
}

func TestUpcastZeroVersionTreatedAsOne(t *testing.T) {
	ups := []sourced.Upcaster{{
		EventType:   "user.renamed",
		FromVersion: 1,
		ToVersion:   2,
		Transform:   renameField("name", "full_name"),
	}}

	events := []*sourced.EventRecord{
		{Name: "user.renamed", Payload: []byte(`{"name":"ada"}`)},
	}

	out := sourced.UpcastAll(ups, events)
	assert.Equal(t, 2, out[0].Version)
	assert.JSONEq(t, `{"full_name":"ada"}`, string(out[0].Payload))
}

func TestUpcastLeavesStoredRecordsUntouched(t *testing.T) {
	ups := []sourced.Upcaster{{
		EventType:   "user.renamed",
		FromVersion: 1,
		ToVersion:   2,
		Transform:   renameField("name", "full_name"),
	}}

	ev := &sourced.EventRecord{
		Name:    "user.renamed",
		Payload: []byte(`{"name":"ada"}`),
		Version: 1,
	}

	out := sourced.UpcastAll(ups, []*sourced.EventRecord{ev})
	assert.NotSame(t, ev, out[0])
	assert.Equal(t, 1, ev.Version)
	assert.JSONEq(t, `{"name":"ada"}`, string(ev.Payload))
}

// legacyCounter is a Counter whose v1 increment events carried the delta
// under a "value" key
type legacyCounter struct {
	Counter
}

func newLegacyCounter() *legacyCounter {
	return &legacyCounter{}
}

func (c *legacyCounter) Upcasters() []sourced.Upcaster {
	return []sourced.Upcaster{{
		EventType:   EventIncremented,
		FromVersion: 1,
		ToVersion:   2,
		Transform:   renameField("value", "delta"),
	}}
}

func TestUpcastedEventsNotPersistedBack(t *testing.T) {
	ctx := context.Background()
	repo := sourced.NewMemoryRepository()

	seed := sourced.NewEntity("counter:1")
	seed.Append(EventIncremented, []byte(`{"value":2}`))
	assert.NoError(t, repo.Commit(ctx, seed))

	loaded, err := repo.Get(ctx, "counter:1")
	assert.NoError(t, err)
	c, err := sourced.Hydrate(newLegacyCounter, loaded)
	assert.NoError(t, err)
	assert.Equal(t, 2, c.value)

	// a live append and commit must not write the upcasted form back
	assert.NoError(t, c.Increment(1))
	assert.NoError(t, repo.Commit(ctx, c.Entity()))

	stored, err := repo.Get(ctx, "counter:1")
	assert.NoError(t, err)
	first := stored.Events()[0]
	assert.JSONEq(t, `{"value":2}`, string(first.Payload))
	assert.Equal(t, 1, first.Version)

	// rehydration still sees the upcasted view
	again, err := sourced.Hydrate(newLegacyCounter, stored)
	assert.NoError(t, err)
	assert.Equal(t, 3, again.value)
}

func TestUpcastNoUpcasters(t *testing.T) {
	events := []*sourced.EventRecord{
		{Name: "user.created", Payload: []byte(`{}`), Version: 1},
	}
	out := sourced.UpcastAll(nil, events)
	assert.Same(t, events[0], out[0])
}

package sourced_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	sourced "github.com/patrickleet/sourced-go"
)

func TestHydrate(t *testing.T) {
	c := NewCounter()
	c.Entity().LoadFromHistory(nil)
	assert.NoError(t, c.Increment(5))
	assert.NoError(t, c.Increment(3))
	assert.NoError(t, c.Decrement(2))

	hydrated, err := sourced.Hydrate(NewCounter, c.Entity())
	assert.NoError(t, err)
	assert.Equal(t, 6, hydrated.value)
	assert.Equal(t, int64(3), hydrated.Entity().Version())
}

func TestHydrateIdempotent(t *testing.T) {
	c := NewCounter()
	assert.NoError(t, c.Increment(5))
	assert.NoError(t, c.Decrement(1))

	first, err := sourced.Hydrate(NewCounter, c.Entity())
	assert.NoError(t, err)
	second, err := sourced.Hydrate(NewCounter, c.Entity())
	assert.NoError(t, err)

	assert.Equal(t, first.value, second.value)
	assert.Equal(t, first.Entity().Version(), second.Entity().Version())
}

func TestHydrateAbortsOnReplayError(t *testing.T) {
	e := sourced.NewEntity("counter:1")
	e.Append(EventIncremented, []byte(`{"delta":1}`))
	e.Append(EventExploded, []byte(`{}`))
	e.Append(EventIncremented, []byte(`{"delta":1}`))

	_, err := sourced.Hydrate(NewCounter, e)
	var replayErr *sourced.ReplayError
	assert.ErrorAs(t, err, &replayErr)
	assert.Equal(t, "counter:1", replayErr.ID)
	assert.Equal(t, EventExploded, replayErr.Event)
	assert.Equal(t, int64(2), replayErr.Seq)
	assert.ErrorIs(t, err, errBoom)
}

func TestHydrateSkipsUnknownEvents(t *testing.T) {
	e := sourced.NewEntity("counter:1")
	e.Append(EventIncremented, []byte(`{"delta":4}`))
	e.Append("counter.renamed", []byte(`{}`))

	c, err := sourced.Hydrate(NewCounter, e)
	assert.NoError(t, err)
	assert.Equal(t, 4, c.value)
}

func TestCommandsDuringHydrationAreInert(t *testing.T) {
	// Counter commands run through Entity.Append, so replaying the same
	// events cannot double-append
	c := NewCounter()
	assert.NoError(t, c.Increment(2))

	hydrated, err := sourced.Hydrate(NewCounter, c.Entity())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), hydrated.Entity().Version())
	assert.Equal(t, 2, hydrated.value)
}

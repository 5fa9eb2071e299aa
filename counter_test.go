package sourced_test

import (
	"encoding/json"

	sourced "github.com/patrickleet/sourced-go"
)

// Counter is the aggregate used throughout these tests
type Counter struct {
	entity sourced.Entity
	value  int
}

const (
	EventIncremented = "counter.incremented"
	EventDecremented = "counter.decremented"
	EventExploded    = "counter.exploded"
)

type deltaData struct {
	Delta int `json:"delta"`
}

var counterAppliers = sourced.Appliers[*Counter]{
	EventIncremented: sourced.MakeApplier(
		func(c *Counter, _ *sourced.EventRecord, d deltaData) error {
			c.value += d.Delta
			return nil
		}),
	EventDecremented: sourced.MakeApplier(
		func(c *Counter, _ *sourced.EventRecord, d deltaData) error {
			c.value -= d.Delta
			return nil
		}),
	EventExploded: func(*Counter, *sourced.EventRecord) error {
		return errBoom
	},
}

func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) Entity() *sourced.Entity {
	return &c.entity
}

func (c *Counter) ReplayEvent(ev *sourced.EventRecord) error {
	return counterAppliers.Apply(c, ev)
}

func (c *Counter) CreateSnapshot() ([]byte, error) {
	return json.Marshal(map[string]int{"value": c.value})
}

func (c *Counter) RestoreFromSnapshot(state []byte) error {
	var st map[string]int
	if err := json.Unmarshal(state, &st); err != nil {
		return err
	}
	c.value = st["value"]
	return nil
}

func (c *Counter) Increment(n int) error {
	return c.raise(EventIncremented, deltaData{Delta: n})
}

func (c *Counter) Decrement(n int) error {
	return c.raise(EventDecremented, deltaData{Delta: n})
}

func (c *Counter) raise(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ev := c.entity.Append(name, payload)
	if ev == nil {
		return nil
	}
	return counterAppliers.Apply(c, ev)
}

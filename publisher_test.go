package sourced_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	sourced "github.com/patrickleet/sourced-go"
)

func TestChannelBusPublishPoll(t *testing.T) {
	ctx := context.Background()
	bus := sourced.NewChannelBus(4)

	msg, err := sourced.NewOutboxMessage("order.placed", []byte(`{"n":1}`))
	assert.NoError(t, err)
	assert.NoError(t, bus.Publish(ctx, msg))

	d, err := bus.Poll(ctx, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, msg.ID(), d.MessageID)
	assert.Equal(t, "order.placed", d.EventType)
	assert.Equal(t, []byte(`{"n":1}`), d.Payload)
	assert.NoError(t, bus.Ack(ctx, d.Tag))
}

func TestChannelBusPollTimesOut(t *testing.T) {
	bus := sourced.NewChannelBus(4)
	d, err := bus.Poll(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, d)
}

func TestChannelBusNackRedelivers(t *testing.T) {
	ctx := context.Background()
	bus := sourced.NewChannelBus(4)

	msg, err := sourced.NewOutboxMessage("order.placed", nil)
	assert.NoError(t, err)
	assert.NoError(t, bus.Publish(ctx, msg))

	d, err := bus.Poll(ctx, time.Second)
	assert.NoError(t, err)
	assert.NoError(t, bus.Nack(ctx, d.Tag))

	again, err := bus.Poll(ctx, time.Second)
	assert.NoError(t, err)
	assert.Equal(t, d.Tag, again.Tag)
}

func TestChannelBusClosed(t *testing.T) {
	ctx := context.Background()
	bus := sourced.NewChannelBus(4)
	assert.NoError(t, bus.Close())

	msg, err := sourced.NewOutboxMessage("order.placed", nil)
	assert.NoError(t, err)
	assert.ErrorIs(t, bus.Publish(ctx, msg), sourced.ErrBusClosed)

	_, err = bus.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, sourced.ErrBusClosed)

	// closing twice is safe
	assert.NoError(t, bus.Close())
}

func TestChannelBusCloseUnblocksPublish(t *testing.T) {
	ctx := context.Background()
	bus := sourced.NewChannelBus(1)

	first, err := sourced.NewOutboxMessage("order.placed", nil)
	assert.NoError(t, err)
	assert.NoError(t, bus.Publish(ctx, first))

	// the buffer is full, so this publish blocks until Close
	second, err := sourced.NewOutboxMessage("order.shipped", nil)
	assert.NoError(t, err)
	blocked := make(chan error, 1)
	go func() {
		blocked <- bus.Publish(ctx, second)
	}()

	select {
	case err := <-blocked:
		t.Fatalf("publish returned before close: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	assert.NoError(t, bus.Close())
	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, sourced.ErrBusClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked publish never unblocked after close")
	}
}

func TestMakeDispatcher(t *testing.T) {
	var got []int
	dispatch := sourced.MakeDispatcher(map[string]sourced.Handler{
		"counter.incremented": sourced.MakeHandler(
			func(_ *sourced.Delivery, d deltaData) error {
				got = append(got, d.Delta)
				return nil
			}),
	})

	assert.NoError(t, dispatch(&sourced.Delivery{
		EventType: "counter.incremented",
		Payload:   []byte(`{"delta":4}`),
	}))
	assert.Equal(t, []int{4}, got)

	// unknown events settle without effect
	assert.NoError(t, dispatch(&sourced.Delivery{
		EventType: "counter.decremented",
		Payload:   []byte(`{"delta":1}`),
	}))
	assert.Equal(t, []int{4}, got)
}

func TestConsumeAcksAndStops(t *testing.T) {
	bus := sourced.NewChannelBus(4)
	msg, err := sourced.NewOutboxMessage(
		"counter.incremented", []byte(`{"delta":2}`),
	)
	assert.NoError(t, err)
	assert.NoError(t, bus.Publish(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	handled := make(chan int, 1)
	done := make(chan error, 1)
	go func() {
		done <- sourced.Consume(ctx, bus, sourced.MakeHandler(
			func(_ *sourced.Delivery, d deltaData) error {
				handled <- d.Delta
				return nil
			}))
	}()

	select {
	case delta := <-handled:
		assert.Equal(t, 2, delta)
	case <-time.After(time.Second):
		t.Fatal("delivery was never handled")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancellation")
	}
}

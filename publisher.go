package sourced

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// Publisher transmits outbox messages to an external queue, which the
	// engine treats as a black box. Implementations decide durability;
	// the outbox supplies the retry machinery around them
	Publisher interface {
		Publish(ctx context.Context, msg *OutboxMessage) error
		PublishBatch(ctx context.Context, msgs []*OutboxMessage) error
	}

	// Delivery is one message as seen by a consumer on the far side of a
	// Publisher
	Delivery struct {
		// Tag identifies the delivery for Ack/Nack
		Tag       string
		MessageID string
		EventType string
		Payload   []byte
	}

	// Subscriber is the consuming counterpart of a Publisher
	Subscriber interface {
		// Poll returns the next delivery, or nil if none arrived within
		// the timeout
		Poll(ctx context.Context, timeout time.Duration) (*Delivery, error)
		// Ack settles a delivery
		Ack(ctx context.Context, tag string) error
		// Nack returns a delivery for redelivery
		Nack(ctx context.Context, tag string) error
	}
)

var (
	// ErrBusClosed indicates a publish or poll against a closed ChannelBus
	ErrBusClosed = errors.New("channel bus closed")

	// ErrBusFull indicates a Nack could not re-enqueue a delivery
	ErrBusFull = errors.New("channel bus full")
)

// ChannelBus is an in-process Publisher/Subscriber pair backed by a
// buffered channel, mainly for embedding and tests. Unacked deliveries are
// re-enqueued by Nack. Shutdown is signalled through a separate done
// channel; the queue itself is never closed, so a Publish blocked on a full
// buffer unblocks with ErrBusClosed instead of panicking on the send
type ChannelBus struct {
	queue   chan *Delivery
	done    chan struct{}
	pending map[string]*Delivery
	mu      sync.Mutex
	closed  bool
}

// NewChannelBus creates a bus buffering up to size undelivered messages
func NewChannelBus(size int) *ChannelBus {
	return &ChannelBus{
		queue:   make(chan *Delivery, size),
		done:    make(chan struct{}),
		pending: map[string]*Delivery{},
	}
}

// Publish enqueues the message, blocking while the buffer is full
func (b *ChannelBus) Publish(ctx context.Context, msg *OutboxMessage) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	d := &Delivery{
		Tag:       msg.ID(),
		MessageID: msg.ID(),
		EventType: msg.EventType(),
		Payload:   msg.Payload(),
	}

	select {
	case b.queue <- d:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishBatch enqueues the messages in order
func (b *ChannelBus) PublishBatch(
	ctx context.Context, msgs []*OutboxMessage,
) error {
	for _, msg := range msgs {
		if err := b.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Poll returns the next delivery, or nil if none arrived within the
// timeout. The delivery stays pending until Ack or Nack
func (b *ChannelBus) Poll(
	ctx context.Context, timeout time.Duration,
) (*Delivery, error) {
	select {
	case <-b.done:
		return nil, ErrBusClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-b.queue:
		b.mu.Lock()
		b.pending[d.Tag] = d
		b.mu.Unlock()
		return d, nil
	case <-b.done:
		return nil, ErrBusClosed
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack settles the delivery
func (b *ChannelBus) Ack(_ context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, tag)
	return nil
}

// Nack re-enqueues the delivery for another consumer
func (b *ChannelBus) Nack(_ context.Context, tag string) error {
	b.mu.Lock()
	d, ok := b.pending[tag]
	delete(b.pending, tag)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	select {
	case <-b.done:
		return ErrBusClosed
	case b.queue <- d:
		return nil
	default:
		return ErrBusFull
	}
}

// Close stops the bus; undelivered and pending deliveries are dropped
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

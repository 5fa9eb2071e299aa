package sourced

import (
	"context"
	"time"
)

// Handler processes one delivered message
type Handler func(*Delivery) error

// MakeHandler adapts a typed handler, unmarshaling the delivery payload
// into T first
func MakeHandler[T any](fn func(*Delivery, T) error) Handler {
	return func(d *Delivery) error {
		var data T
		if err := json.Unmarshal(d.Payload, &data); err != nil {
			return err
		}
		return fn(d, data)
	}
}

// MakeDispatcher routes deliveries to handlers by event type. Deliveries
// with no registered handler are settled without effect
func MakeDispatcher(handlers map[string]Handler) Handler {
	return func(d *Delivery) error {
		if fn, ok := handlers[d.EventType]; ok {
			return fn(d)
		}
		return nil
	}
}

// Consume polls the subscriber until the context is cancelled, invoking the
// handler for each delivery. Successful deliveries are acked, failed ones
// nacked for redelivery
func Consume(ctx context.Context, sub Subscriber, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		d, err := sub.Poll(ctx, time.Second)
		if err != nil {
			return err
		}
		if d == nil {
			continue
		}

		if err := h(d); err != nil {
			_ = sub.Nack(ctx, d.Tag)
			continue
		}
		if err := sub.Ack(ctx, d.Tag); err != nil {
			return err
		}
	}
}

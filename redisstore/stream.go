package redisstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	sourced "github.com/patrickleet/sourced-go"
)

type (
	// StreamPublisher transmits outbox messages onto a Redis stream
	StreamPublisher struct {
		client *redis.Client
		stream string
	}

	// StreamSubscriber consumes a stream through a consumer group.
	// Deliveries left unacked past MinIdle are recovered on a later poll
	// via XAUTOCLAIM, so Nack is simply the absence of an Ack
	StreamSubscriber struct {
		client   *redis.Client
		stream   string
		group    string
		consumer string
		minIdle  time.Duration
	}
)

// DefaultMinIdle is the idle duration before an unacked delivery is
// reclaimed by another consumer
const DefaultMinIdle = 30 * time.Second

// ErrStreamRecordMalformed indicates a stream entry missing the expected
// fields
var ErrStreamRecordMalformed = errors.New("stream record malformed")

// NewStreamPublisher creates a publisher appending to stream
func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream}
}

// Publish appends one message to the stream
func (p *StreamPublisher) Publish(
	ctx context.Context, msg *sourced.OutboxMessage,
) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: messageValues(msg),
	}).Err()
}

// PublishBatch appends the messages in order through one pipeline
func (p *StreamPublisher) PublishBatch(
	ctx context.Context, msgs []*sourced.OutboxMessage,
) error {
	pipe := p.client.Pipeline()
	for _, msg := range msgs {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			Values: messageValues(msg),
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// NewStreamSubscriber creates a consumer-group subscriber on stream
func NewStreamSubscriber(
	client *redis.Client, stream, group, consumer string,
) *StreamSubscriber {
	return &StreamSubscriber{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		minIdle:  DefaultMinIdle,
	}
}

// Poll returns the next delivery, or nil if none arrived within the
// timeout. Stale unacked deliveries from other consumers are recovered
// first
func (s *StreamSubscriber) Poll(
	ctx context.Context, timeout time.Duration,
) (*sourced.Delivery, error) {
	if err := s.ensureGroup(ctx); err != nil {
		return nil, err
	}

	if d, err := s.recover(ctx); err != nil || d != nil {
		return d, err
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    1,
		Block:    timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseDelivery(streams[0].Messages[0])
}

// Ack settles a delivery
func (s *StreamSubscriber) Ack(ctx context.Context, tag string) error {
	return s.client.XAck(ctx, s.stream, s.group, tag).Err()
}

// Nack leaves the delivery pending; it becomes eligible for recovery once
// its idle time passes MinIdle
func (s *StreamSubscriber) Nack(context.Context, string) error {
	return nil
}

func (s *StreamSubscriber) recover(
	ctx context.Context,
) (*sourced.Delivery, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  s.minIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return parseDelivery(msgs[0])
}

func (s *StreamSubscriber) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(
		ctx, s.stream, s.group, "0-0",
	).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func messageValues(msg *sourced.OutboxMessage) map[string]any {
	return map[string]any{
		"message_id": msg.ID(),
		"event_type": msg.EventType(),
		"payload":    string(msg.Payload()),
	}
}

func parseDelivery(msg redis.XMessage) (*sourced.Delivery, error) {
	id, ok := stringValue(msg.Values, "message_id")
	if !ok {
		return nil, ErrStreamRecordMalformed
	}
	eventType, ok := stringValue(msg.Values, "event_type")
	if !ok {
		return nil, ErrStreamRecordMalformed
	}
	payload, ok := stringValue(msg.Values, "payload")
	if !ok {
		return nil, ErrStreamRecordMalformed
	}

	return &sourced.Delivery{
		Tag:       msg.ID,
		MessageID: id,
		EventType: eventType,
		Payload:   []byte(payload),
	}, nil
}

func stringValue(values map[string]any, key string) (string, bool) {
	raw, ok := values[key]
	if !ok {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

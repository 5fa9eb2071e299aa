package sourced

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// WorkerConfig tunes an OutboxWorker
	WorkerConfig struct {
		Logger *zap.Logger
		// WorkerID identifies this worker's claims; defaults to a random
		// uuid
		WorkerID string
		// BatchSize is the maximum messages claimed per pass
		BatchSize int
		// MaxAttempts is the cumulative claim count after which a failed
		// delivery dead-letters instead of releasing
		MaxAttempts int
		// Lease bounds each claim in time
		Lease time.Duration
		// PollInterval is the base delay between passes; idle passes back
		// off exponentially up to MaxIdleDelay
		PollInterval time.Duration
		MaxIdleDelay time.Duration
	}

	// OutboxWorker claims pending outbox messages and delegates
	// transmission to an injected Publisher, resolving each message by
	// its delivery outcome: complete on success, release for retry, or
	// fail once the attempt budget is exhausted
	OutboxWorker struct {
		outbox    OutboxRepository
		publisher Publisher
		log       *zap.Logger
		config    WorkerConfig
	}
)

// NewOutboxWorker creates a worker delivering through publisher
func NewOutboxWorker(
	outbox OutboxRepository, publisher Publisher, cfg WorkerConfig,
) *OutboxWorker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &OutboxWorker{
		outbox:    outbox,
		publisher: publisher,
		config:    cfg,
		log:       cfg.Logger.With(zap.String("worker_id", cfg.WorkerID)),
	}
}

// WorkerID returns the id this worker claims under
func (w *OutboxWorker) WorkerID() string {
	return w.config.WorkerID
}

// Deliver claims one batch and attempts to publish each message, returning
// the number claimed. Delivery failures are not errors: they resolve as
// release or dead-letter transitions decided by the attempt-count policy
func (w *OutboxWorker) Deliver(ctx context.Context) (int, error) {
	msgs, err := w.outbox.ClaimOutboxMessages(
		ctx, w.config.WorkerID, w.config.BatchSize, w.config.Lease,
	)
	if err != nil {
		return 0, err
	}

	for _, msg := range msgs {
		w.deliverOne(ctx, msg)
	}
	return len(msgs), nil
}

// Run polls Deliver until the context is cancelled. Passes that claim no
// work back off exponentially up to MaxIdleDelay; the delay resets to the
// base interval as soon as work is found again
func (w *OutboxWorker) Run(ctx context.Context) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = w.config.PollInterval
	idle.MaxInterval = w.config.MaxIdleDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := w.Deliver(ctx)
		if err != nil {
			w.log.Error("outbox pass failed", zap.Error(err))
		}

		delay := w.config.PollInterval
		if n == 0 {
			delay = idle.NextBackOff()
			if delay == backoff.Stop || delay > w.config.MaxIdleDelay {
				delay = w.config.MaxIdleDelay
			}
		} else {
			idle.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (w *OutboxWorker) deliverOne(ctx context.Context, msg *OutboxMessage) {
	err := w.publisher.Publish(ctx, msg)
	if err == nil {
		if err := w.outbox.CompleteOutboxMessage(ctx, msg.ID()); err != nil {
			w.log.Error("failed to complete outbox message",
				zap.String("message_id", msg.ID()),
				zap.Error(err),
			)
		}
		return
	}

	if msg.Attempts() >= w.config.MaxAttempts {
		w.log.Warn("outbox message dead-lettered",
			zap.String("message_id", msg.ID()),
			zap.Int("attempts", msg.Attempts()),
			zap.Error(err),
		)
		if err := w.outbox.FailOutboxMessage(
			ctx, msg.ID(), err.Error(),
		); err != nil {
			w.log.Error("failed to dead-letter outbox message",
				zap.String("message_id", msg.ID()),
				zap.Error(err),
			)
		}
		return
	}

	w.log.Debug("outbox delivery failed, releasing for retry",
		zap.String("message_id", msg.ID()),
		zap.Int("attempts", msg.Attempts()),
		zap.Error(err),
	)
	if err := w.outbox.ReleaseOutboxMessage(
		ctx, msg.ID(), err.Error(),
	); err != nil {
		w.log.Error("failed to release outbox message",
			zap.String("message_id", msg.ID()),
			zap.Error(err),
		)
	}
}

package sourced

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox message
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxInFlight  OutboxStatus = "in_flight"
	OutboxPublished OutboxStatus = "published"
	OutboxFailed    OutboxStatus = "failed"
)

// OutboxIDPrefix is the reserved id namespace for outbox messages. Domain
// aggregates must not use it
const OutboxIDPrefix = "$outbox:"

// Outbox event names
const (
	EventOutboxCreated   = "outbox.created"
	EventOutboxClaimed   = "outbox.claimed"
	EventOutboxReleased  = "outbox.released"
	EventOutboxCompleted = "outbox.completed"
	EventOutboxFailed    = "outbox.failed"
)

type (
	// OutboxMessage is an undelivered outbound message, itself an
	// event-sourced aggregate: every state transition is recorded as an
	// event and replayed like any domain aggregate
	OutboxMessage struct {
		entity      Entity
		eventType   string
		payload     []byte
		status      OutboxStatus
		lastError   string
		workerID    string
		leasedUntil time.Time
		attempts    int
	}

	outboxCreatedData struct {
		EventType string `json:"event_type"`
		Payload   []byte `json:"payload"`
	}

	outboxClaimedData struct {
		WorkerID    string    `json:"worker_id"`
		LeasedUntil time.Time `json:"leased_until"`
	}

	outboxErrorData struct {
		Error string `json:"error"`
	}
)

var outboxAppliers = Appliers[*OutboxMessage]{
	EventOutboxCreated: MakeApplier(
		func(m *OutboxMessage, _ *EventRecord, d outboxCreatedData) error {
			m.eventType = d.EventType
			m.payload = d.Payload
			m.status = OutboxPending
			return nil
		}),
	EventOutboxClaimed: MakeApplier(
		func(m *OutboxMessage, _ *EventRecord, d outboxClaimedData) error {
			m.status = OutboxInFlight
			m.workerID = d.WorkerID
			m.leasedUntil = d.LeasedUntil
			m.attempts++
			return nil
		}),
	EventOutboxReleased: MakeApplier(
		func(m *OutboxMessage, _ *EventRecord, d outboxErrorData) error {
			m.status = OutboxPending
			m.lastError = d.Error
			m.workerID = ""
			m.leasedUntil = time.Time{}
			return nil
		}),
	EventOutboxCompleted: MakeApplier(
		func(m *OutboxMessage, _ *EventRecord, _ struct{}) error {
			m.status = OutboxPublished
			m.workerID = ""
			m.leasedUntil = time.Time{}
			return nil
		}),
	EventOutboxFailed: MakeApplier(
		func(m *OutboxMessage, _ *EventRecord, d outboxErrorData) error {
			m.status = OutboxFailed
			m.lastError = d.Error
			m.workerID = ""
			m.leasedUntil = time.Time{}
			return nil
		}),
}

// EmptyOutboxMessage is the zero-value constructor used for hydration
func EmptyOutboxMessage() *OutboxMessage {
	return &OutboxMessage{}
}

// NewOutboxMessage creates a Pending message carrying an opaque payload. The
// message id lives under the reserved outbox namespace
func NewOutboxMessage(eventType string, payload []byte) (*OutboxMessage, error) {
	m := EmptyOutboxMessage()
	m.entity.setID(OutboxIDPrefix + uuid.NewString())
	err := m.raise(EventOutboxCreated, outboxCreatedData{
		EventType: eventType,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// IsOutboxID reports whether id lives in the reserved outbox namespace
func IsOutboxID(id string) bool {
	return strings.HasPrefix(id, OutboxIDPrefix)
}

func (m *OutboxMessage) Entity() *Entity {
	return &m.entity
}

func (m *OutboxMessage) ReplayEvent(ev *EventRecord) error {
	return outboxAppliers.Apply(m, ev)
}

// ID returns the message's namespaced id
func (m *OutboxMessage) ID() string {
	return m.entity.ID()
}

// EventType returns the logical type of the outbound message
func (m *OutboxMessage) EventType() string {
	return m.eventType
}

// Payload returns the opaque message body
func (m *OutboxMessage) Payload() []byte {
	return m.payload
}

func (m *OutboxMessage) Status() OutboxStatus {
	return m.status
}

// Attempts returns how many times the message has been claimed
func (m *OutboxMessage) Attempts() int {
	return m.attempts
}

// LastError returns the error recorded by the most recent release or
// failure
func (m *OutboxMessage) LastError() string {
	return m.lastError
}

// WorkerID returns the current claimer, or "" when not in flight
func (m *OutboxMessage) WorkerID() string {
	return m.workerID
}

// LeasedUntil returns the advisory end of the current claim's lease
func (m *OutboxMessage) LeasedUntil() time.Time {
	return m.leasedUntil
}

// Claimable reports whether the message may be claimed at the given time:
// it is Pending, or InFlight with an expired lease
func (m *OutboxMessage) Claimable(now time.Time) bool {
	switch m.status {
	case OutboxPending:
		return true
	case OutboxInFlight:
		return now.After(m.leasedUntil)
	default:
		return false
	}
}

// Claim grants the worker a time-bounded exclusive lease and increments the
// attempt count. It fires from Pending, or from InFlight once the previous
// lease has silently expired
func (m *OutboxMessage) Claim(workerID string, lease time.Duration) error {
	if !m.Claimable(time.Now()) {
		return m.transitionError(OutboxInFlight)
	}
	return m.raise(EventOutboxClaimed, outboxClaimedData{
		WorkerID:    workerID,
		LeasedUntil: time.Now().Add(lease),
	})
}

// Complete marks the message Published. Only fires from InFlight
func (m *OutboxMessage) Complete() error {
	if m.status != OutboxInFlight {
		return m.transitionError(OutboxPublished)
	}
	return m.raise(EventOutboxCompleted, struct{}{})
}

// Release returns an InFlight message to Pending for a future retry,
// recording why delivery failed
func (m *OutboxMessage) Release(cause string) error {
	if m.status != OutboxInFlight {
		return m.transitionError(OutboxPending)
	}
	return m.raise(EventOutboxReleased, outboxErrorData{Error: cause})
}

// Fail dead-letters the message. In the terminal states it is an idempotent
// no-op
func (m *OutboxMessage) Fail(cause string) error {
	if m.status == OutboxPublished || m.status == OutboxFailed {
		return nil
	}
	return m.raise(EventOutboxFailed, outboxErrorData{Error: cause})
}

func (m *OutboxMessage) raise(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	ev := m.entity.Append(name, payload)
	if ev == nil {
		return nil
	}
	return outboxAppliers.Apply(m, ev)
}

func (m *OutboxMessage) transitionError(to OutboxStatus) error {
	return &OutboxTransitionError{
		ID:   m.ID(),
		From: m.status,
		To:   to,
	}
}

type (
	// OutboxRepository is the repository extension the OutboxWorker runs
	// against
	OutboxRepository interface {
		OutboxMessagesByStatus(
			ctx context.Context, status OutboxStatus,
		) ([]*OutboxMessage, error)
		ClaimOutboxMessages(
			ctx context.Context, workerID string, max int,
			lease time.Duration,
		) ([]*OutboxMessage, error)
		CompleteOutboxMessage(ctx context.Context, id string) error
		ReleaseOutboxMessage(ctx context.Context, id, cause string) error
		FailOutboxMessage(ctx context.Context, id, cause string) error
	}

	// OutboxStore implements OutboxRepository over any Repository that
	// can enumerate ids. Claims are serialized against other local
	// claimers by a mutex, and against remote claimers by the commit
	// protocol itself: a racing claim loses its ConcurrentWriteError and
	// the message is skipped, so no message is ever claimed twice
	OutboxStore struct {
		repo   Repository
		lister IDLister
		mu     sync.Mutex
	}
)

// ErrNotListable indicates the repository cannot enumerate ids and so
// cannot back an OutboxStore
var ErrNotListable = errors.New("repository does not support id listing")

// NewOutboxStore creates the outbox extension over repo, which must also
// implement IDLister
func NewOutboxStore(repo Repository) (*OutboxStore, error) {
	lister, ok := repo.(IDLister)
	if !ok {
		return nil, ErrNotListable
	}
	return &OutboxStore{repo: repo, lister: lister}, nil
}

// Append stages a message's events onto an existing commit batch so callers
// can persist a domain change and its outbound message atomically
func (o *OutboxStore) Append(
	ctx context.Context, msg *OutboxMessage, entities ...*Entity,
) error {
	batch := append([]*Entity{msg.Entity()}, entities...)
	return o.repo.Commit(ctx, batch...)
}

// OutboxMessagesByStatus returns every stored message in the given state
func (o *OutboxStore) OutboxMessagesByStatus(
	ctx context.Context, status OutboxStatus,
) ([]*OutboxMessage, error) {
	msgs, err := o.all(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*OutboxMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Status() == status {
			out = append(out, m)
		}
	}
	return out, nil
}

// ClaimOutboxMessages transitions up to max claimable messages to InFlight
// under the worker's lease and returns them. InFlight messages whose lease
// has expired are eligible for re-claim
func (o *OutboxStore) ClaimOutboxMessages(
	ctx context.Context, workerID string, max int, lease time.Duration,
) ([]*OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids, err := o.lister.ListIDs(ctx, OutboxIDPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	claimed := make([]*OutboxMessage, 0, max)
	for _, id := range ids {
		if len(claimed) >= max {
			break
		}

		msg, err := o.get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !msg.Claimable(now) {
			continue
		}
		if err := msg.Claim(workerID, lease); err != nil {
			continue
		}

		if err := o.repo.Commit(ctx, msg.Entity()); err != nil {
			var conflict *ConcurrentWriteError
			if errors.As(err, &conflict) {
				continue
			}
			return nil, err
		}
		claimed = append(claimed, msg)
	}
	return claimed, nil
}

// CompleteOutboxMessage marks the message Published
func (o *OutboxStore) CompleteOutboxMessage(
	ctx context.Context, id string,
) error {
	return o.mutate(ctx, id, func(m *OutboxMessage) error {
		return m.Complete()
	})
}

// ReleaseOutboxMessage returns the message to Pending with the delivery
// error recorded
func (o *OutboxStore) ReleaseOutboxMessage(
	ctx context.Context, id, cause string,
) error {
	return o.mutate(ctx, id, func(m *OutboxMessage) error {
		return m.Release(cause)
	})
}

// FailOutboxMessage dead-letters the message
func (o *OutboxStore) FailOutboxMessage(
	ctx context.Context, id, cause string,
) error {
	return o.mutate(ctx, id, func(m *OutboxMessage) error {
		return m.Fail(cause)
	})
}

func (o *OutboxStore) all(ctx context.Context) ([]*OutboxMessage, error) {
	ids, err := o.lister.ListIDs(ctx, OutboxIDPrefix)
	if err != nil {
		return nil, err
	}

	out := make([]*OutboxMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := o.get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (o *OutboxStore) get(
	ctx context.Context, id string,
) (*OutboxMessage, error) {
	e, err := o.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return Hydrate(EmptyOutboxMessage, e)
}

// mutate applies fn to the stored message and commits, retrying the whole
// cycle on concurrent-write conflicts
func (o *OutboxStore) mutate(
	ctx context.Context, id string, fn func(*OutboxMessage) error,
) error {
	for range DefaultMaxRetries {
		msg, err := o.get(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
		if len(msg.Entity().NewEvents()) == 0 {
			return nil
		}

		err = o.repo.Commit(ctx, msg.Entity())
		if err == nil {
			return nil
		}
		var conflict *ConcurrentWriteError
		if !errors.As(err, &conflict) {
			return err
		}
	}
	return ErrMaxRetriesExceeded
}

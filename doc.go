// Package sourced implements an embeddable event-sourced persistence engine.
// Domain state is stored as an append-only, per-identity log of immutable
// events and reconstructed by replay, with the reliability machinery that
// event sourcing needs in practice: optimistic concurrency on commit,
// per-key locking for serialized read-modify-write cycles, snapshot
// acceleration with event-schema upcasting, and a guaranteed-delivery
// outbox.
//
// Typical usage looks like:
//   - Open a Repository (in-memory here, or one of the boltstore,
//     redisstore, or pgstore backends)
//   - Define an Aggregate whose ReplayEvent folds events into its state
//   - Mutate the aggregate through command methods that append events, then
//     Commit its Entity through the Repository
//   - Wrap the Repository in a QueuedRepository when callers on multiple
//     goroutines contend for the same ids
//   - Run an OutboxWorker against the same Repository to deliver outbound
//     messages with retry and dead-letter semantics
//
// The examples/ directory contains a runnable bank-account workflow that
// exercises the API in a small domain.
package sourced

// Package transport defines the queue/worker transport: how units of work
// travel from the dispatcher to worker processes.
//
// A [Task] is the unit of work. The dispatcher submits one execute task per
// run; the fan-out coordinator submits one batch task per batch and a
// single join task. The transport hands each task to exactly one worker at
// a time with at-least-once delivery, which is why the ledger, barrier and
// join guard against duplicates.
//
// # Backends
//
//   - transport/memory: in-process broker for tests and single-binary runs
//   - transport/redis: Redis lists plus an active-task hash
//   - transport/nats: NATS JetStream work-queue stream plus KV buckets
//
// # Revocation
//
// [Broker.Revoke] removes a queued task outright. For a reserved task it
// records a revocation that the executing worker observes on its next
// heartbeat and turns into context cancellation.
package transport

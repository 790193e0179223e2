// Package run implements the job run ledger: the durable record of every
// submission, its status state machine and the service that mutates it.
//
// # State Machine
//
//	pending → running → completed
//	pending → running → failed
//	pending → running → cancelled
//	pending → cancelled            (cancel before any worker picked it up)
//	pending → failed               (submission failure, stale pending run)
//
// Terminal states are final. Every write goes through [Store.UpdateRunIf],
// a compare-and-set on the revision the caller last observed, so two workers
// racing on the same run can never produce two distinct terminal states and
// two writers that leave the status alone never drop each other's changes.
//
// # Ledger
//
// [Ledger] wraps a [Store] with the transition rules. Repeating a write
// that already holds (same handle, same terminal state) is a no-op. A write
// that would overwrite a different terminal state is logged and dropped;
// the caller never sees an error for it.
package run

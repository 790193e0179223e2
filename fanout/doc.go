// Package fanout splits a run's targets into parallel batches and joins the
// batch results back into a single outcome.
//
// The coordinator registers a barrier with the number of batches, submits
// one batch task per batch and, when the last distinct batch reports in,
// submits the join task under a lease reserved with [Store.LeaseJoin]. The
// barrier records each batch index at most once, so a batch redelivered by
// the transport never double-counts, and the lease keeps it from firing a
// second join. Once the lease is free again (the enqueue failed or the
// lease ran out) a redelivered batch resubmits the join.
//
// The join task starts the reserved lease, merges the per-device results,
// runs the job type's aggregate side effect while renewing the lease and
// decides the parent run's final status with a [Policy]. A running lease
// belongs to one delivery only: every other delivery waits, and takes over
// once a crashed holder stops renewing and the lease expires.
package fanout

// Package ext defines the extension system.
//
// Extensions are notified of run lifecycle events and can react to them:
// recording metrics, writing audit trails, notifying operators. Each hook
// is a separate interface so extensions opt in only to the events they
// care about.
//
// # Implementing an Extension
//
//	type Notifier struct{}
//
//	func (n *Notifier) Name() string { return "notifier" }
//
//	func (n *Notifier) OnRunFailed(ctx context.Context, r *run.Run) error {
//	    return page(ctx, r.JobName, r.Error)
//	}
//
// # Run Hooks
//
//   - [RunCreated] a pending run row was written
//   - [RunStarted] the run moved to running
//   - [RunCompleted] the run finished successfully
//   - [RunFailed] the run failed or was reaped
//   - [RunCancelled] an operator cancelled the run
//   - [RunTransitioned] any applied status change
//   - [RunReaped] the reaper force-failed a stale run
//
// # Fan-out Hooks
//
//   - [BatchDone] a batch reported its result
//   - [JoinFired] the last batch submitted the join task
//
// # Other Hooks
//
//   - [ScheduleFired] the tick dispatched a due schedule
//   - [Shutdown] the engine is shutting down
//
// The [Registry] is the ledger's transition observer: every status change
// the ledger applies reaches the hooks exactly once.
package ext

// Package audithook is an extension that writes run lifecycle events to an
// audit trail backend.
//
// Run creation, start, completion, failure, cancellation, reaping, fan-out
// joins and schedule fires each produce a structured [AuditEvent] through the
// [Recorder] interface, with the run's executed_by user as the actor.
// Severity is info for normal operations, warning for cancellations and
// critical for failures and reaped runs.
//
// # Usage
//
//	reg.Register(audithook.New(audithook.RecorderFunc(
//	    func(ctx context.Context, evt *audithook.AuditEvent) error {
//	        return auditLog.Append(ctx, evt)
//	    },
//	)))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(audithook.ActionRunFailed, audithook.ActionRunReaped),
//	)
package audithook

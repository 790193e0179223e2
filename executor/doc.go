// Package executor holds the closed table of job types the engine can run.
//
// Each job type is registered once at startup with a typed [Definition]:
//
//	executor.Register(reg, executor.Definition[BackupParams]{
//	    Type:    "backup",
//	    Handler: backupAll,
//	    Batch:   backupDevices,
//	    Join:    commitBackups,
//	})
//	reg.Seal()
//
// Params arrive as JSON on the run and are decoded into the definition's
// parameter type before every call. After [Registry.Seal] the table is
// frozen; registering then panics, and looking up an unknown type is a
// validation error.
//
// Handlers never crash a worker: panics and errors become a failed
// [Result]. A handler that wants to be retried wraps its error with
// [Transient] and declares Retries on its definition.
package executor

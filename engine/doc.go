// Package engine wires the subsystems into one service: the run ledger,
// the fan-out coordinator, the worker pool, the scheduler tick and the
// reaper. It owns the dispatch path and the worker-side task handlers.
//
// The engine sits above every subsystem package and below the process
// entrypoint. Nothing in it is process-global; construct one per process
// and pass it by reference.
//
// # Building an Engine
//
//	reg := executor.NewRegistry()
//	jobtypes.RegisterAll(reg, collaborators)
//
//	eng, err := engine.New(pgStore, redisBroker, reg,
//	    engine.WithConfig(cfg),
//	    engine.WithTopology(queue.DefaultTopology()),
//	    engine.WithInventory(nautobot),
//	    engine.WithExtension(audithook.New(recorder)),
//	)
//
// # Dispatching
//
// The schedule tick and [Engine.RunNow] are the only callers of
// [Engine.Dispatch]. Dispatch validates the request, records a pending run
// and submits one execute task:
//
//	r, err := eng.RunNow(ctx, templateID, "alice", engine.Overrides{})
//
// # Task kinds
//
// Workers route every reserved task to [Engine.HandleTask]:
//
//   - execute marks the run started, resolves targets, and either runs the
//     job type's handler and finalizes the run, or fans out into batches;
//   - batch runs one batch and reports it to the barrier;
//   - join merges the batches once, runs the job type's join step and
//     finalizes the parent per its policy.
//
// # Roles
//
// [WithRoles] splits duties across processes, e.g. a "worker" deployment
// serving only the heavy queue next to a "serve" deployment running the
// scheduler and reaper.
package engine

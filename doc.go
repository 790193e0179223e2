// Package datenschleuder is the job scheduling and distributed execution
// engine behind the network automation platform. It turns templates and
// schedules into tracked job runs, routes the work to named queues served by
// worker pools, fans large device sets out into parallel batches and joins
// them back into one result, and reconciles the run ledger after worker loss.
//
// The root package holds the shared configuration, the entity base type and
// the sentinel errors. The subsystems live in their own packages:
//
//   - run       the job run ledger and its state machine
//   - transport the queue/worker transport contract (memory, redis, nats)
//   - executor  the job type → executor registry
//   - engine    the dispatcher and task handlers
//   - scheduler the periodic schedule tick
//   - fanout    the fan-out/join coordinator
//   - reaper    the stale-run reaper and retention cleanup
//
// # Quick Start
//
//	st := memory.New()
//	br := memtransport.New()
//	reg := executor.NewRegistry()
//	jobtypes.RegisterAll(reg, collaborators)
//
//	eng, err := engine.New(st, br, reg,
//	    engine.WithConfig(datenschleuder.DefaultConfig()),
//	    engine.WithLogger(logger),
//	)
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package datenschleuder

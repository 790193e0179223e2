// Package queue defines the named queues that partition work by resource
// profile, the static routing from job type to queue, and the per-queue
// concurrency and rate limits enforced by the worker pool.
//
// # Topology
//
// The default topology has four queues:
//
//	default  light bookkeeping jobs
//	backup   configuration backups
//	network  interactive device commands
//	heavy    long-running deployments
//
// [Router] maps a job type to its queue. Job types without a route land on
// the default queue.
//
// # Manager
//
// [Manager] gates reservation per queue with an active-count cap and a
// token bucket (golang.org/x/time/rate):
//
//	lease, ok := m.Acquire("backup")
//	if !ok {
//	    return // queue saturated or rate limited
//	}
//	defer lease.Release()
//	task, _ := broker.Reserve(ctx, []string{"backup"}, workerID)
//	if task == nil {
//	    return
//	}
//	lease.Commit()
package queue

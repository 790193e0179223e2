// Package cluster tracks the worker processes serving the queues and elects
// the single scheduler leader.
//
// Workers register on start, heartbeat while alive and deregister on
// graceful shutdown. The admin surface lists them together with the job
// types each one can execute.
//
// # Leader Election
//
// Only one process may run the schedule tick. Leadership is a lease held by
// a worker ID: [Store.AcquireLeadership] takes it when free or expired and
// [Store.RenewLeadership] extends it for the current holder. A process that
// fails to renew before the TTL elapses simply stops ticking.
package cluster

package redis

// Key layout. Every key carries the store prefix, "datenschleuder:" unless
// configured otherwise.

const defaultPrefix = "datenschleuder:"

type keys struct {
	prefix string
}

// ── Run keys ──

// run is the hash holding a run: {status, rev, data}.
func (k keys) run(id string) string { return k.prefix + "run:" + id }

// runIDs is the sorted set of all run IDs scored by queued_at.
func (k keys) runIDs() string { return k.prefix + "run_ids" }

// runOpen is the set of pending and running run IDs.
func (k keys) runOpen() string { return k.prefix + "run_open" }

// runDone is the sorted set of terminal run IDs scored by completed_at.
func (k keys) runDone() string { return k.prefix + "run_done" }

// runHandle maps a task handle to its run ID.
func (k keys) runHandle(handle string) string { return k.prefix + "run_handle:" + handle }

// ── Template keys ──

func (k keys) template(id string) string { return k.prefix + "template:" + id }

func (k keys) templateIDs() string { return k.prefix + "template_ids" }

// ── Schedule keys ──

// schedule is the hash holding a schedule: {next_run, data}.
func (k keys) schedule(id string) string { return k.prefix + "schedule:" + id }

func (k keys) scheduleIDs() string { return k.prefix + "schedule_ids" }

// scheduleDue is the sorted set of active schedule IDs scored by next_run.
func (k keys) scheduleDue() string { return k.prefix + "schedule_due" }

// ── Fan-out keys ──

// barrier is the hash {total, join_owner, join_until, join_running} of a fan-out run.
func (k keys) barrier(runID string) string { return k.prefix + "barrier:" + runID }

// barrierResults maps batch index to the JSON batch result.
func (k keys) barrierResults(runID string) string { return k.prefix + "barrier_results:" + runID }

// ── Progress keys ──

func (k keys) progress(runID string) string { return k.prefix + "progress:" + runID }

// ── Cluster keys ──

func (k keys) worker(id string) string { return k.prefix + "worker:" + id }

func (k keys) workerIDs() string { return k.prefix + "worker_ids" }

// leader holds the worker ID of the scheduler leader with a TTL.
func (k keys) leader() string { return k.prefix + "leader" }

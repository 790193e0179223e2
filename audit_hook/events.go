package audithook

// Audit event actions. Each constant corresponds to one ext hook and
// becomes the Action field of the audit event.
const (
	ActionRunCreated    = "run.created"
	ActionRunStarted    = "run.started"
	ActionRunCompleted  = "run.completed"
	ActionRunFailed     = "run.failed"
	ActionRunCancelled  = "run.cancelled"
	ActionRunReaped     = "run.reaped"
	ActionJoinFired     = "fanout.join_fired"
	ActionScheduleFired = "schedule.fired"
)

// Audit event categories group related actions.
const (
	CategoryRun      = "datenschleuder.run"
	CategoryFanOut   = "datenschleuder.fanout"
	CategorySchedule = "datenschleuder.schedule"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRun      = "job_run"
	ResourceSchedule = "job_schedule"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRunCreated,
		ActionRunStarted,
		ActionRunCompleted,
		ActionRunFailed,
		ActionRunCancelled,
		ActionRunReaped,
		ActionJoinFired,
		ActionScheduleFired,
	}
}

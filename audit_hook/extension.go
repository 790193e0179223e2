package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/ext"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.RunCreated    = (*Extension)(nil)
	_ ext.RunStarted    = (*Extension)(nil)
	_ ext.RunCompleted  = (*Extension)(nil)
	_ ext.RunFailed     = (*Extension)(nil)
	_ ext.RunCancelled  = (*Extension)(nil)
	_ ext.RunReaped     = (*Extension)(nil)
	_ ext.JoinFired     = (*Extension)(nil)
	_ ext.ScheduleFired = (*Extension)(nil)
)

// Recorder is the interface audit backends implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension writes an audit trail of run lifecycle events through a
// [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{recorder: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunCreated implements ext.RunCreated.
func (e *Extension) OnRunCreated(ctx context.Context, r *run.Run) error {
	return e.recordRun(ctx, ActionRunCreated, SeverityInfo, OutcomeSuccess, r, nil,
		"triggered_by", string(r.TriggeredBy),
		"schedule_id", r.ScheduleID.String(),
		"targets", len(r.Targets),
	)
}

// OnRunStarted implements ext.RunStarted.
func (e *Extension) OnRunStarted(ctx context.Context, r *run.Run) error {
	return e.recordRun(ctx, ActionRunStarted, SeverityInfo, OutcomeSuccess, r, nil,
		"task_handle", r.TaskHandle.String(),
	)
}

// OnRunCompleted implements ext.RunCompleted.
func (e *Extension) OnRunCompleted(ctx context.Context, r *run.Run, elapsed time.Duration) error {
	return e.recordRun(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess, r, nil,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnRunFailed implements ext.RunFailed.
func (e *Extension) OnRunFailed(ctx context.Context, r *run.Run) error {
	var runErr error
	if r.Error != "" {
		runErr = errors.New(r.Error)
	}
	return e.recordRun(ctx, ActionRunFailed, SeverityCritical, OutcomeFailure, r, runErr)
}

// OnRunCancelled implements ext.RunCancelled.
func (e *Extension) OnRunCancelled(ctx context.Context, r *run.Run) error {
	return e.recordRun(ctx, ActionRunCancelled, SeverityWarning, OutcomeFailure, r, nil,
		"subtasks", len(r.SubtaskHandles),
	)
}

// OnRunReaped implements ext.RunReaped.
func (e *Extension) OnRunReaped(ctx context.Context, r *run.Run, diagnostic string) error {
	return e.recordRun(ctx, ActionRunReaped, SeverityCritical, OutcomeFailure, r, errors.New(diagnostic))
}

// ── Fan-out hooks ───────────────────────────────────

// OnJoinFired implements ext.JoinFired.
func (e *Extension) OnJoinFired(ctx context.Context, runID id.RunID, joinTask id.TaskID) error {
	return e.record(ctx, ActionJoinFired, SeverityInfo, OutcomeSuccess,
		ResourceRun, runID.String(), CategoryFanOut, "", nil,
		"join_task", joinTask.String(),
	)
}

// ── Schedule hooks ──────────────────────────────────

// OnScheduleFired implements ext.ScheduleFired.
func (e *Extension) OnScheduleFired(ctx context.Context, scheduleID id.ScheduleID, name string, runID id.RunID) error {
	if runID.IsNil() {
		return e.record(ctx, ActionScheduleFired, SeverityWarning, OutcomeFailure,
			ResourceSchedule, scheduleID.String(), CategorySchedule, "", errors.New("dispatch failed"),
			"schedule_name", name,
		)
	}
	return e.record(ctx, ActionScheduleFired, SeverityInfo, OutcomeSuccess,
		ResourceSchedule, scheduleID.String(), CategorySchedule, "", nil,
		"schedule_name", name,
		"run_id", runID.String(),
	)
}

// ── Internal helpers ────────────────────────────────

func (e *Extension) recordRun(ctx context.Context, action, severity, outcome string, r *run.Run, err error, kvPairs ...any) error {
	kvPairs = append(kvPairs, "job_name", r.JobName, "job_type", r.JobType, "status", string(r.Status))
	return e.record(ctx, action, severity, outcome,
		ResourceRun, r.ID.String(), CategoryRun, r.ExecutedBy, err, kvPairs...)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs is a list of key-value pairs added to Metadata. Recorder
// failures are logged and never returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category, actor string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = reason
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Actor:      actor,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit hook: failed to record event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
)

// Request is the input of Dispatch. Fields left empty are filled from the
// schedule and template when those are referenced.
type Request struct {
	ScheduleID    id.ScheduleID
	TemplateID    id.TemplateID
	JobName       string
	JobType       string
	CredentialRef string
	// Params is a JSON object. Its keys override the template's params.
	Params json.RawMessage
	// Targets skips inventory resolution when set.
	Targets []string
	// ParallelTasks overrides the template's fan-out degree.
	ParallelTasks int
	// Queue overrides the job type's route.
	Queue       string
	TriggeredBy run.Trigger
	ExecutedBy  string
}

// Overrides are the optional knobs of a manual run.
type Overrides struct {
	Params        json.RawMessage
	Targets       []string
	CredentialRef string
	ParallelTasks int
	Queue         string
}

// executePayload travels with the execute task so the worker can resolve
// targets and decide on fan-out without re-reading the template.
type executePayload struct {
	Inventory     collab.InventoryRef `json:"inventory,omitzero"`
	ParallelTasks int                 `json:"parallel_tasks"`
}

// Dispatch validates the request, records a pending run and submits one
// execute task for it. Validation failures return a
// *datenschleuder.ValidationError and leave the ledger untouched. A
// submission failure marks the run failed and returns it with the error.
func (eng *Engine) Dispatch(ctx context.Context, req Request) (*run.Run, error) {
	return eng.dispatch(ctx, req, nil)
}

// RunNow is the manual "run now" trigger for a template.
func (eng *Engine) RunNow(ctx context.Context, templateID id.TemplateID, executedBy string, o Overrides) (*run.Run, error) {
	return eng.Dispatch(ctx, Request{
		TemplateID:    templateID,
		CredentialRef: o.CredentialRef,
		Params:        o.Params,
		Targets:       o.Targets,
		ParallelTasks: o.ParallelTasks,
		Queue:         o.Queue,
		TriggeredBy:   run.TriggerManual,
		ExecutedBy:    executedBy,
	})
}

// DispatchSchedule dispatches one firing of a schedule. It implements
// scheduler.Dispatcher.
func (eng *Engine) DispatchSchedule(ctx context.Context, s *schedule.Schedule) (*run.Run, error) {
	return eng.dispatch(ctx, Request{
		ScheduleID:  s.ID,
		TemplateID:  s.TemplateID,
		JobName:     s.Name,
		TriggeredBy: run.TriggerSchedule,
		ExecutedBy:  s.OwnerID,
	}, s)
}

func (eng *Engine) dispatch(ctx context.Context, req Request, sched *schedule.Schedule) (*run.Run, error) {
	req, inventory, err := eng.resolve(ctx, req, sched)
	if err != nil {
		return nil, err
	}
	entry, err := eng.registry.Lookup(req.JobType)
	if err != nil {
		return nil, err
	}

	queueName := eng.route(entry, req.Queue)
	payload, err := json.Marshal(executePayload{Inventory: inventory, ParallelTasks: req.ParallelTasks})
	if err != nil {
		return nil, fmt.Errorf("encode execute payload: %w", err)
	}

	r := run.New(req.JobName, req.JobType, req.TriggeredBy)
	r.ScheduleID = req.ScheduleID
	r.TemplateID = req.TemplateID
	r.Queue = queueName
	r.Targets = req.Targets
	r.Params = req.Params
	r.ExecutedBy = req.ExecutedBy
	r.CredentialRef = req.CredentialRef
	if err := eng.ledger.Create(ctx, r); err != nil {
		return nil, err
	}

	t := transport.NewTask(queueName, transport.KindExecute, r.ID, r.JobType)
	t.Payload = payload
	if err := eng.broker.Enqueue(ctx, t); err != nil {
		eng.logger.Error("submit failed",
			slog.String("run_id", r.ID.String()),
			slog.String("queue", queueName),
			slog.String("error", err.Error()),
		)
		failed, ferr := eng.ledger.MarkFailed(context.WithoutCancel(ctx), r.ID, nil, "submit: "+executor.Summarize(err))
		if ferr == nil {
			r = failed
		}
		return r, fmt.Errorf("submit run %s: %w", r.ID, err)
	}

	started, err := eng.ledger.MarkStarted(ctx, r.ID, t.ID)
	if err != nil {
		// The task is on the transport; the worker records the handle
		// itself when it picks the task up.
		eng.logger.Warn("record task handle failed",
			slog.String("run_id", r.ID.String()),
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
		return r, nil
	}
	return started, nil
}

// resolve fills the request from its schedule and template and validates
// it. No ledger row exists yet, so every failure is a ValidationError.
func (eng *Engine) resolve(ctx context.Context, req Request, sched *schedule.Schedule) (Request, collab.InventoryRef, error) {
	var inventory collab.InventoryRef

	if sched == nil && !req.ScheduleID.IsNil() {
		s, err := eng.store.GetSchedule(ctx, req.ScheduleID)
		if err != nil {
			return req, inventory, notFound("schedule_id", req.ScheduleID, err, datenschleuder.ErrScheduleNotFound)
		}
		sched = s
	}
	if sched != nil {
		req.ScheduleID = sched.ID
		if req.TemplateID.IsNil() {
			req.TemplateID = sched.TemplateID
		}
		if req.CredentialRef == "" {
			req.CredentialRef = sched.CredentialRef
		}
		merged, err := mergeParams(sched.Params, req.Params)
		if err != nil {
			return req, inventory, err
		}
		req.Params = merged
	}

	if !req.TemplateID.IsNil() {
		tpl, err := eng.store.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return req, inventory, notFound("template_id", req.TemplateID, err, datenschleuder.ErrTemplateNotFound)
		}
		switch {
		case req.JobType == "":
			req.JobType = tpl.JobType
		case req.JobType != tpl.JobType:
			return req, inventory, datenschleuder.Invalid("job_type", "%q does not match template job type %q", req.JobType, tpl.JobType)
		}
		if req.JobName == "" {
			req.JobName = tpl.Name
		}
		if req.CredentialRef == "" {
			req.CredentialRef = tpl.CredentialRef
		}
		if req.ParallelTasks == 0 {
			req.ParallelTasks = tpl.ParallelTasks
		}
		merged, err := mergeParams(tpl.Params, req.Params)
		if err != nil {
			return req, inventory, err
		}
		req.Params = merged
		inventory = tpl.InventorySource
	}

	if req.JobType == "" {
		return req, inventory, datenschleuder.Invalid("job_type", "must not be empty")
	}
	if req.JobName == "" {
		req.JobName = req.JobType
	}
	if len(req.Params) > 0 && !json.Valid(req.Params) {
		return req, inventory, datenschleuder.Invalid("params", "must be a JSON object")
	}
	if req.ParallelTasks < 0 {
		return req, inventory, datenschleuder.Invalid("parallel_tasks", "must not be negative, got %d", req.ParallelTasks)
	}
	if req.ParallelTasks == 0 {
		req.ParallelTasks = 1
	}
	switch req.TriggeredBy {
	case "":
		req.TriggeredBy = run.TriggerManual
	case run.TriggerManual, run.TriggerSchedule:
	default:
		return req, inventory, datenschleuder.Invalid("triggered_by", "unknown trigger %q", req.TriggeredBy)
	}
	if req.Queue != "" && !eng.knownQueue(req.Queue) {
		return req, inventory, &datenschleuder.ValidationError{
			Field:  "queue",
			Reason: fmt.Sprintf("%q is not a configured queue", req.Queue),
			Err:    datenschleuder.ErrUnknownQueue,
		}
	}
	return req, inventory, nil
}

func notFound(field string, ref id.ID, err, sentinel error) error {
	if errors.Is(err, sentinel) {
		return &datenschleuder.ValidationError{Field: field, Reason: ref.String() + " does not exist", Err: sentinel}
	}
	return err
}

// route picks the queue: an explicit override, then the static route,
// then the job type's own default, then the fallback.
func (eng *Engine) route(entry *executor.Entry, override string) string {
	if override == "" && !eng.router.HasRoute(entry.Type) && entry.Queue != "" && eng.knownQueue(entry.Queue) {
		override = entry.Queue
	}
	return eng.router.Route(entry.Type, override)
}

func (eng *Engine) knownQueue(name string) bool {
	for _, q := range eng.topology.Queues {
		if q.Name == name {
			return true
		}
	}
	return false
}

// mergeParams overlays the keys of over onto base. Either side may be
// empty; a non-object override replaces base entirely.
func mergeParams(base, over json.RawMessage) (json.RawMessage, error) {
	if len(over) == 0 || string(over) == "null" {
		return base, nil
	}
	if len(base) == 0 || string(base) == "null" {
		return over, nil
	}
	var b, o map[string]json.RawMessage
	if err := json.Unmarshal(over, &o); err != nil {
		return nil, datenschleuder.Invalid("params", "must be a JSON object")
	}
	if err := json.Unmarshal(base, &b); err != nil {
		return over, nil
	}
	for k, v := range o {
		b[k] = v
	}
	merged, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("merge params: %w", err)
	}
	return merged, nil
}

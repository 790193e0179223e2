package jobtypes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// CommandParams configure a run_commands run.
type CommandParams struct {
	Commands    []string `json:"commands"`
	Concurrency int      `json:"concurrency"`
}

type commandsJob struct {
	c Collaborators
}

func registerRunCommands(reg *executor.Registry, c Collaborators) {
	j := commandsJob{c: c}
	executor.Register(reg, executor.Definition[CommandParams]{
		Type:        "run_commands",
		Description: "Run commands on devices and collect their output",
		Handler:     j.handle,
		Batch:       j.batch,
		Policy:      fanout.FailOnAny,
	})
}

func (j commandsJob) validate(p CommandParams) error {
	if j.c.Devices == nil {
		return missing("device automation")
	}
	if len(p.Commands) == 0 {
		return errors.New("run_commands: no commands given")
	}
	return nil
}

func (j commandsJob) handle(ctx context.Context, ec *executor.Context, p CommandParams) (any, error) {
	if err := j.validate(p); err != nil {
		return nil, err
	}
	devices, err := j.run(ctx, ec, p, ec.Targets, func() { ec.Progress.Advance(ctx, 1) })
	if err != nil {
		return nil, err
	}
	agg := summarize(ec.Targets, devices)
	if agg.Failed > 0 {
		return agg, fmt.Errorf("%d of %d devices failed", agg.Failed, agg.Total)
	}
	return agg, nil
}

func (j commandsJob) batch(ctx context.Context, ec *executor.Context, p CommandParams, devices []string) ([]fanout.DeviceResult, error) {
	if err := j.validate(p); err != nil {
		return nil, err
	}
	return j.run(ctx, ec, p, devices, func() { ec.Progress.Advance(ctx, 1) })
}

func (j commandsJob) run(ctx context.Context, ec *executor.Context, p CommandParams, devices []string, done func()) ([]fanout.DeviceResult, error) {
	creds, err := j.c.credentials(ctx, ec.CredentialRef)
	if err != nil {
		return nil, err
	}
	return eachDevice(ctx, devices, p.Concurrency, func(ctx context.Context, d string) fanout.DeviceResult {
		out, err := j.c.Devices.RunCommands(ctx, d, creds, p.Commands)
		if err != nil {
			return deviceFailure(d, err)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return deviceFailure(d, err)
		}
		return fanout.DeviceResult{Device: d, Success: true, Data: data}
	}, done), nil
}

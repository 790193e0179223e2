package jobtypes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/queue"
)

// AgentParams configure a deploy_agent run. Config is already rendered.
type AgentParams struct {
	Agent  string `json:"agent"`
	Config string `json:"config"`
}

type agentJob struct {
	c Collaborators
}

func registerDeployAgent(reg *executor.Registry, c Collaborators, o options) {
	j := agentJob{c: c}
	executor.Register(reg, executor.Definition[AgentParams]{
		Type:        "deploy_agent",
		Description: "Push a rendered agent configuration",
		Queue:       queue.Heavy,
		Handler:     j.handle,
		Timeout:     5 * time.Minute,
		Retries:     3,
		Backoff:     o.backoff,
	})
}

func (j agentJob) handle(ctx context.Context, ec *executor.Context, p AgentParams) (any, error) {
	if j.c.Deployer == nil {
		return nil, missing("agent deployer")
	}
	if p.Agent == "" {
		return nil, errors.New("deploy_agent: agent must not be empty")
	}
	if p.Config == "" {
		return nil, errors.New("deploy_agent: config must not be empty")
	}
	if err := j.c.Deployer.Deploy(ctx, p.Agent, []byte(p.Config)); err != nil {
		return nil, executor.Transient(fmt.Errorf("deploy %s: %w", p.Agent, err))
	}
	ec.Progress.Advance(ctx, len(ec.Targets))
	return map[string]any{"agent": p.Agent, "bytes": len(p.Config)}, nil
}

package jobtypes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerdfunk-net/datenschleuder-sub000/backoff"
	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// ErrMissingCollaborator is returned by a job type whose collaborator was
// not wired.
var ErrMissingCollaborator = errors.New("jobtypes: collaborator not configured")

// defaultDeviceConcurrency bounds device calls inside one handler or batch.
const defaultDeviceConcurrency = 4

// Collaborators are the external systems the built-in job types call.
// A nil field disables the job types that need it at run time.
type Collaborators struct {
	Credentials collab.CredentialStore
	Devices     collab.DeviceAutomation
	Git         collab.GitRepository
	Source      collab.DeviceSource
	Monitoring  collab.MonitoringClient
	Deployer    collab.AgentDeployer

	// Now stamps commits. Defaults to time.Now.
	Now func() time.Time
}

func (c Collaborators) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c Collaborators) credentials(ctx context.Context, ref string) (collab.Credentials, error) {
	if ref == "" {
		return collab.Credentials{}, nil
	}
	if c.Credentials == nil {
		return collab.Credentials{}, missing("credential store")
	}
	creds, err := c.Credentials.Lookup(ctx, ref)
	if err != nil {
		return collab.Credentials{}, fmt.Errorf("credential %q: %w", ref, err)
	}
	return creds, nil
}

func missing(what string) error {
	return fmt.Errorf("%w: %s", ErrMissingCollaborator, what)
}

// Option tunes the registered definitions.
type Option func(*options)

type options struct {
	backoff backoff.Strategy
}

// WithBackoff sets the retry delay of the job types that retry.
func WithBackoff(s backoff.Strategy) Option {
	return func(o *options) { o.backoff = s }
}

// RegisterAll registers every built-in job type.
func RegisterAll(reg *executor.Registry, c Collaborators, opts ...Option) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	registerBackup(reg, c, o)
	registerRunCommands(reg, c)
	registerSyncInventory(reg, c)
	registerDeployAgent(reg, c, o)
}

// eachDevice calls fn for every device with at most limit calls in
// flight. Results keep the order of devices. done runs after each device.
func eachDevice(ctx context.Context, devices []string, limit int, fn func(ctx context.Context, device string) fanout.DeviceResult, done func()) []fanout.DeviceResult {
	if limit <= 0 {
		limit = defaultDeviceConcurrency
	}
	out := make([]fanout.DeviceResult, len(devices))

	var g errgroup.Group
	g.SetLimit(limit)
	var mu sync.Mutex
	for i, d := range devices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = fanout.DeviceResult{Device: d, Error: err.Error()}
				return nil
			}
			out[i] = fn(ctx, d)
			if done != nil {
				mu.Lock()
				done()
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// summarize merges per-device results the way the fan-out join does, so
// inline and fanned-out runs produce the same payload shape.
func summarize(targets []string, devices []fanout.DeviceResult) *fanout.Aggregate {
	return fanout.Merge(1, []fanout.BatchResult{{Index: 0, Targets: targets, Devices: devices}})
}

func deviceFailure(device string, err error) fanout.DeviceResult {
	return fanout.DeviceResult{Device: device, Error: executor.Summarize(err)}
}

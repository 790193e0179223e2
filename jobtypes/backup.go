package jobtypes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// BackupParams configure a backup run.
type BackupParams struct {
	// Path is the file path per device; "{device}" is replaced with the
	// device name. Defaults to "{device}.cfg".
	Path string `json:"path"`
	// Message prefixes the commit message.
	Message string `json:"message"`
	// Concurrency bounds parallel device logins per worker.
	Concurrency int `json:"concurrency"`
}

func (p BackupParams) path(device string) string {
	tpl := p.Path
	if tpl == "" {
		tpl = "{device}.cfg"
	}
	return strings.ReplaceAll(tpl, "{device}", device)
}

// BackupResult is the payload of a backup run.
type BackupResult struct {
	*fanout.Aggregate
	Commit string `json:"commit,omitempty"`
}

type backupJob struct {
	c Collaborators
}

func registerBackup(reg *executor.Registry, c Collaborators, o options) {
	j := backupJob{c: c}
	executor.Register(reg, executor.Definition[BackupParams]{
		Type:        "backup",
		Description: "Fetch running configurations and commit them to git",
		Handler:     j.handle,
		Batch:       j.batch,
		Join:        j.join,
		Policy:      fanout.FailOnAll,
		Timeout:     time.Hour,
		Retries:     2,
		Backoff:     o.backoff,
	})
}

func (j backupJob) ready() error {
	switch {
	case j.c.Devices == nil:
		return missing("device automation")
	case j.c.Git == nil:
		return missing("git repository")
	}
	return nil
}

func (j backupJob) handle(ctx context.Context, ec *executor.Context, p BackupParams) (any, error) {
	if err := j.ready(); err != nil {
		return nil, err
	}
	if len(ec.Targets) == 0 {
		return nil, errors.New("backup: no target devices")
	}
	creds, err := j.c.credentials(ctx, ec.CredentialRef)
	if err != nil {
		return nil, err
	}

	results := eachDevice(ctx, ec.Targets, p.Concurrency, func(ctx context.Context, d string) fanout.DeviceResult {
		return j.device(ctx, creds, p, d)
	}, func() { ec.Progress.Advance(ctx, 1) })

	res := BackupResult{Aggregate: summarize(ec.Targets, results)}
	if res.Succeeded == 0 {
		return res, fmt.Errorf("backup: all %d devices failed", res.Total)
	}
	res.Commit, err = j.commit(ctx, ec, p, res.Succeeded, res.Total)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (j backupJob) batch(ctx context.Context, ec *executor.Context, p BackupParams, devices []string) ([]fanout.DeviceResult, error) {
	if err := j.ready(); err != nil {
		return nil, err
	}
	creds, err := j.c.credentials(ctx, ec.CredentialRef)
	if err != nil {
		return nil, err
	}
	return eachDevice(ctx, devices, p.Concurrency, func(ctx context.Context, d string) fanout.DeviceResult {
		return j.device(ctx, creds, p, d)
	}, func() { ec.Progress.Advance(ctx, 1) }), nil
}

// join commits everything the batches staged in one commit.
func (j backupJob) join(ctx context.Context, ec *executor.Context, p BackupParams, agg *fanout.Aggregate) (any, error) {
	if agg.Succeeded == 0 {
		return nil, nil
	}
	if j.c.Git == nil {
		return nil, missing("git repository")
	}
	hash, err := j.commit(ctx, ec, p, agg.Succeeded, agg.Total)
	if err != nil {
		return nil, err
	}
	return map[string]string{"commit": hash}, nil
}

func (j backupJob) device(ctx context.Context, creds collab.Credentials, p BackupParams, device string) fanout.DeviceResult {
	cfg, err := j.c.Devices.FetchConfig(ctx, device, creds)
	if err != nil {
		return deviceFailure(device, err)
	}
	path := p.path(device)
	if err := j.c.Git.WriteFile(ctx, path, []byte(cfg)); err != nil {
		return deviceFailure(device, fmt.Errorf("write %s: %w", path, err))
	}
	data, _ := json.Marshal(map[string]any{"path": path, "bytes": len(cfg)})
	return fanout.DeviceResult{Device: device, Success: true, Data: data}
}

func (j backupJob) commit(ctx context.Context, ec *executor.Context, p BackupParams, ok, total int) (string, error) {
	prefix := p.Message
	if prefix == "" {
		prefix = "backup " + ec.JobName
	}
	msg := fmt.Sprintf("%s: %d of %d devices", prefix, ok, total)
	hash, err := j.c.Git.CommitAndPush(ctx, msg, j.c.now())
	if err != nil {
		return "", executor.Transient(fmt.Errorf("commit: %w", err))
	}
	return hash, nil
}

package jobtypes

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// SyncParams configure a sync_inventory run.
type SyncParams struct {
	// DeleteMissing removes monitored hosts the source no longer lists.
	// Only honored when the run targets the whole inventory.
	DeleteMissing bool `json:"delete_missing"`
	// SkipActivate leaves pending monitoring changes unactivated.
	SkipActivate bool `json:"skip_activate"`
}

// SyncResult is the payload of a sync_inventory run.
type SyncResult struct {
	Added     []string              `json:"added"`
	Updated   []string              `json:"updated"`
	Removed   []string              `json:"removed"`
	Unchanged int                   `json:"unchanged"`
	Failed    []fanout.DeviceResult `json:"failed,omitempty"`
	Activated bool                  `json:"activated"`
}

func (r *SyncResult) changes() int {
	return len(r.Added) + len(r.Updated) + len(r.Removed)
}

type syncJob struct {
	c Collaborators
}

func registerSyncInventory(reg *executor.Registry, c Collaborators) {
	j := syncJob{c: c}
	executor.Register(reg, executor.Definition[SyncParams]{
		Type:        "sync_inventory",
		Description: "Align monitoring hosts with the source of truth",
		Handler:     j.handle,
	})
}

func (j syncJob) handle(ctx context.Context, ec *executor.Context, p SyncParams) (any, error) {
	switch {
	case j.c.Source == nil:
		return nil, missing("device source")
	case j.c.Monitoring == nil:
		return nil, missing("monitoring client")
	}

	devices, err := j.c.Source.ListDevices(ctx, ec.Targets)
	if err != nil {
		return nil, executor.Transient(fmt.Errorf("list devices: %w", err))
	}
	hosts, err := j.c.Monitoring.ListHosts(ctx)
	if err != nil {
		return nil, executor.Transient(fmt.Errorf("list hosts: %w", err))
	}
	known := make(map[string]collab.Device, len(hosts))
	for _, h := range hosts {
		known[h.Name] = h
	}

	res := &SyncResult{Added: []string{}, Updated: []string{}, Removed: []string{}}
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.Name] = true
		current, exists := known[d.Name]
		if exists && sameHost(current, d) {
			res.Unchanged++
			ec.Progress.Advance(ctx, 1)
			continue
		}
		if err := j.c.Monitoring.UpsertHost(ctx, d); err != nil {
			res.Failed = append(res.Failed, deviceFailure(d.Name, err))
		} else if exists {
			res.Updated = append(res.Updated, d.Name)
		} else {
			res.Added = append(res.Added, d.Name)
		}
		ec.Progress.Advance(ctx, 1)
	}

	if p.DeleteMissing && len(ec.Targets) == 0 {
		stale := make([]string, 0)
		for name := range known {
			if !seen[name] {
				stale = append(stale, name)
			}
		}
		sort.Strings(stale)
		for _, name := range stale {
			if err := j.c.Monitoring.DeleteHost(ctx, name); err != nil {
				res.Failed = append(res.Failed, deviceFailure(name, err))
				continue
			}
			res.Removed = append(res.Removed, name)
		}
	}

	if res.changes() > 0 && !p.SkipActivate {
		if err := j.c.Monitoring.ActivateChanges(ctx); err != nil {
			return res, fmt.Errorf("activate changes: %w", err)
		}
		res.Activated = true
	}
	if len(res.Failed) > 0 {
		return res, fmt.Errorf("%d hosts failed to sync", len(res.Failed))
	}
	return res, nil
}

func sameHost(a, b collab.Device) bool {
	return a.Address == b.Address && a.Platform == b.Platform && maps.Equal(a.Labels, b.Labels)
}

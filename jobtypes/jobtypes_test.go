package jobtypes_test

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerdfunk-net/datenschleuder-sub000/backoff"
	"github.com/nerdfunk-net/datenschleuder-sub000/collab"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/id"
	"github.com/nerdfunk-net/datenschleuder-sub000/jobtypes"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
	"github.com/nerdfunk-net/datenschleuder-sub000/store/memory"
)

// ──────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────

type fakeDevices struct {
	down map[string]bool
	mu   sync.Mutex
	seen []collab.Credentials
}

func (f *fakeDevices) FetchConfig(_ context.Context, device string, creds collab.Credentials) (string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, creds)
	f.mu.Unlock()
	if f.down[device] {
		return "", errors.New("ssh: connection refused")
	}
	return "hostname " + device + "\n", nil
}

func (f *fakeDevices) RunCommands(_ context.Context, device string, _ collab.Credentials, commands []string) (map[string]string, error) {
	if f.down[device] {
		return nil, errors.New("ssh: timeout")
	}
	out := make(map[string]string, len(commands))
	for _, c := range commands {
		out[c] = device + "# " + c
	}
	return out, nil
}

type fakeGit struct {
	mu      sync.Mutex
	files   map[string]string
	commits []string
	fail    int
}

func (g *fakeGit) WriteFile(_ context.Context, path string, content []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.files == nil {
		g.files = make(map[string]string)
	}
	g.files[path] = string(content)
	return nil
}

func (g *fakeGit) CommitAndPush(_ context.Context, message string, _ time.Time) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail > 0 {
		g.fail--
		return "", errors.New("remote: 503")
	}
	g.commits = append(g.commits, message)
	return "c0ffee", nil
}

type fakeCreds map[string]collab.Credentials

func (f fakeCreds) Lookup(_ context.Context, ref string) (collab.Credentials, error) {
	c, ok := f[ref]
	if !ok {
		return collab.Credentials{}, errors.New("no such credential")
	}
	return c, nil
}

type fakeSource []collab.Device

func (f fakeSource) ListDevices(_ context.Context, names []string) ([]collab.Device, error) {
	if len(names) == 0 {
		return f, nil
	}
	var out []collab.Device
	for _, d := range f {
		if slices.Contains(names, d.Name) {
			out = append(out, d)
		}
	}
	return out, nil
}

type fakeMonitoring struct {
	hosts     map[string]collab.Device
	activated int
}

func (m *fakeMonitoring) ListHosts(context.Context) ([]collab.Device, error) {
	return slices.Collect(maps.Values(m.hosts)), nil
}

func (m *fakeMonitoring) UpsertHost(_ context.Context, d collab.Device) error {
	m.hosts[d.Name] = d
	return nil
}

func (m *fakeMonitoring) DeleteHost(_ context.Context, name string) error {
	delete(m.hosts, name)
	return nil
}

func (m *fakeMonitoring) ActivateChanges(context.Context) error {
	m.activated++
	return nil
}

type fakeDeployer struct {
	failures int
	calls    int
	got      []byte
}

func (d *fakeDeployer) Deploy(_ context.Context, _ string, config []byte) error {
	d.calls++
	if d.calls <= d.failures {
		return errors.New("agent host unreachable")
	}
	d.got = config
	return nil
}

// ──────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────

func registry(c jobtypes.Collaborators) *executor.Registry {
	reg := executor.NewRegistry()
	jobtypes.RegisterAll(reg, c, jobtypes.WithBackoff(backoff.Constant{}))
	reg.Seal()
	return reg
}

func entry(t *testing.T, reg *executor.Registry, jobType string) *executor.Entry {
	t.Helper()
	e, err := reg.Lookup(jobType)
	if err != nil {
		t.Fatalf("lookup %s: %v", jobType, err)
	}
	return e
}

type tracked struct {
	ec    *executor.Context
	store *memory.Store
}

func execContext(t *testing.T, params string, targets ...string) tracked {
	t.Helper()
	st := memory.New()
	runID := id.NewRunID()
	if err := st.InitProgress(context.Background(), runID, len(targets), time.Hour); err != nil {
		t.Fatalf("init progress: %v", err)
	}
	return tracked{
		store: st,
		ec: &executor.Context{
			RunID:      runID,
			JobName:    "nightly",
			Params:     json.RawMessage(params),
			Targets:    targets,
			BatchIndex: -1,
			Progress:   progress.NewReporter(st, runID, nil),
		},
	}
}

func (tr tracked) done(t *testing.T) int {
	t.Helper()
	p, err := tr.store.GetProgress(context.Background(), tr.ec.RunID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	return p.Done
}

// ──────────────────────────────────────────────────
// backup
// ──────────────────────────────────────────────────

func TestBackup_InlineCommitsOnce(t *testing.T) {
	devs := &fakeDevices{down: map[string]bool{"r3": true}}
	git := &fakeGit{}
	reg := registry(jobtypes.Collaborators{
		Devices:     devs,
		Git:         git,
		Credentials: fakeCreds{"lab": {Username: "netops"}},
	})
	tr := execContext(t, `{"path":"configs/{device}.txt"}`, "r1", "r2", "r3")
	tr.ec.CredentialRef = "lab"

	res := entry(t, reg, "backup").Run(context.Background(), tr.ec)
	if !res.Success {
		t.Fatalf("result = %+v, want success with one failed device", res)
	}
	if len(git.commits) != 1 || git.commits[0] != "backup nightly: 2 of 3 devices" {
		t.Errorf("commits = %q", git.commits)
	}
	if git.files["configs/r1.txt"] != "hostname r1\n" || len(git.files) != 2 {
		t.Errorf("files = %v", git.files)
	}
	if devs.seen[0].Username != "netops" {
		t.Errorf("credentials not passed to device calls: %+v", devs.seen[0])
	}

	var payload jobtypes.BackupResult
	if err := json.Unmarshal(res.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Commit != "c0ffee" || payload.Succeeded != 2 || payload.Failed != 1 {
		t.Errorf("payload = commit %q ok %d failed %d", payload.Commit, payload.Succeeded, payload.Failed)
	}
	if n := tr.done(t); n != 3 {
		t.Errorf("progress done = %d, want 3", n)
	}
}

func TestBackup_AllDevicesFailed(t *testing.T) {
	git := &fakeGit{}
	reg := registry(jobtypes.Collaborators{Devices: &fakeDevices{down: map[string]bool{"r1": true}}, Git: git})
	tr := execContext(t, `{}`, "r1")

	res := entry(t, reg, "backup").Run(context.Background(), tr.ec)
	if res.Success || res.Error != "backup: all 1 devices failed" {
		t.Errorf("result = %+v", res)
	}
	if len(git.commits) != 0 {
		t.Error("nothing to commit, yet a commit was made")
	}
}

func TestBackup_CommitRetriedOnTransientFailure(t *testing.T) {
	git := &fakeGit{fail: 1}
	reg := registry(jobtypes.Collaborators{Devices: &fakeDevices{}, Git: git})
	tr := execContext(t, `{}`, "r1")

	res := entry(t, reg, "backup").Run(context.Background(), tr.ec)
	if !res.Success || len(git.commits) != 1 {
		t.Errorf("result = %+v commits = %d", res, len(git.commits))
	}
}

func TestBackup_BatchThenJoin(t *testing.T) {
	git := &fakeGit{}
	reg := registry(jobtypes.Collaborators{Devices: &fakeDevices{down: map[string]bool{"r4": true}}, Git: git})
	e := entry(t, reg, "backup")
	ctx := context.Background()
	tr := execContext(t, `{}`, "r1", "r2", "r3", "r4")

	var results []fanout.BatchResult
	for i, batch := range fanout.Split(tr.ec.Targets, 2) {
		ec := *tr.ec
		ec.BatchIndex = i
		devices, err := e.RunBatch(ctx, &ec, batch)
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		results = append(results, fanout.BatchResult{Index: i, Targets: batch, Devices: devices})
	}
	if len(git.commits) != 0 {
		t.Fatal("batches must not commit")
	}
	if n := tr.done(t); n != 4 {
		t.Errorf("batches reported progress %d, want one per device", n)
	}

	agg := fanout.Merge(2, results)
	out, err := e.RunJoin(ctx, tr.ec, agg)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(git.commits) != 1 || git.commits[0] != "backup nightly: 3 of 4 devices" {
		t.Errorf("commits = %q", git.commits)
	}
	if out.(map[string]string)["commit"] != "c0ffee" {
		t.Errorf("join output = %v", out)
	}
	if !e.Policy.Succeeded(agg) {
		t.Error("3 of 4 must succeed under the backup policy")
	}
}

func TestBackup_MissingCollaborator(t *testing.T) {
	reg := registry(jobtypes.Collaborators{Devices: &fakeDevices{}})
	tr := execContext(t, `{}`, "r1")

	res := entry(t, reg, "backup").Run(context.Background(), tr.ec)
	if res.Success || res.Error != "jobtypes: collaborator not configured: git repository" {
		t.Errorf("result = %+v", res)
	}
}

// ──────────────────────────────────────────────────
// run_commands
// ──────────────────────────────────────────────────

func TestRunCommands(t *testing.T) {
	reg := registry(jobtypes.Collaborators{Devices: &fakeDevices{down: map[string]bool{"sw2": true}}})
	e := entry(t, reg, "run_commands")

	tests := []struct {
		name    string
		params  string
		targets []string
		success bool
		err     string
	}{
		{"all ok", `{"commands":["show version"]}`, []string{"sw1"}, true, ""},
		{"one down", `{"commands":["show version"]}`, []string{"sw1", "sw2"}, false, "1 of 2 devices failed"},
		{"no commands", `{}`, []string{"sw1"}, false, "run_commands: no commands given"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := execContext(t, tt.params, tt.targets...)
			res := e.Run(context.Background(), tr.ec)
			if res.Success != tt.success || res.Error != tt.err {
				t.Errorf("result = success %v error %q", res.Success, res.Error)
			}
		})
	}
	if e.Policy != fanout.FailOnAny {
		t.Errorf("policy = %s, want fail_on_any", e.Policy)
	}
}

func TestRunCommands_OutputPerDevice(t *testing.T) {
	reg := registry(jobtypes.Collaborators{Devices: &fakeDevices{}})
	tr := execContext(t, `{"commands":["show clock"]}`, "sw1")

	devices, err := entry(t, reg, "run_commands").RunBatch(context.Background(), tr.ec, []string{"sw1"})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	var out map[string]string
	_ = json.Unmarshal(devices[0].Data, &out)
	if out["show clock"] != "sw1# show clock" {
		t.Errorf("output = %v", out)
	}
}

// ──────────────────────────────────────────────────
// sync_inventory
// ──────────────────────────────────────────────────

func TestSyncInventory(t *testing.T) {
	mon := &fakeMonitoring{hosts: map[string]collab.Device{
		"r1":  {Name: "r1", Address: "10.0.0.1"},
		"r2":  {Name: "r2", Address: "10.0.0.99"},
		"old": {Name: "old"},
	}}
	src := fakeSource{
		{Name: "r1", Address: "10.0.0.1"},
		{Name: "r2", Address: "10.0.0.2"},
		{Name: "r3", Address: "10.0.0.3"},
	}
	reg := registry(jobtypes.Collaborators{Source: src, Monitoring: mon})
	tr := execContext(t, `{"delete_missing":true}`)

	res := entry(t, reg, "sync_inventory").Run(context.Background(), tr.ec)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	var out jobtypes.SyncResult
	_ = json.Unmarshal(res.Payload, &out)
	if !slices.Equal(out.Added, []string{"r3"}) || !slices.Equal(out.Updated, []string{"r2"}) ||
		!slices.Equal(out.Removed, []string{"old"}) || out.Unchanged != 1 {
		t.Errorf("sync = %+v", out)
	}
	if !out.Activated || mon.activated != 1 {
		t.Error("changes were not activated")
	}
	if _, ok := mon.hosts["old"]; ok {
		t.Error("stale host not deleted")
	}
}

func TestSyncInventory_NoChangesNoActivation(t *testing.T) {
	mon := &fakeMonitoring{hosts: map[string]collab.Device{"r1": {Name: "r1"}}}
	reg := registry(jobtypes.Collaborators{Source: fakeSource{{Name: "r1"}}, Monitoring: mon})
	tr := execContext(t, `{}`, "r1")

	res := entry(t, reg, "sync_inventory").Run(context.Background(), tr.ec)
	if !res.Success || mon.activated != 0 {
		t.Errorf("success %v activated %d", res.Success, mon.activated)
	}
	if n := tr.done(t); n != 1 {
		t.Errorf("progress done = %d, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// deploy_agent
// ──────────────────────────────────────────────────

func TestDeployAgent_RetriesTransientFailures(t *testing.T) {
	dep := &fakeDeployer{failures: 2}
	reg := registry(jobtypes.Collaborators{Deployer: dep})
	tr := execContext(t, `{"agent":"checkmk","config":"all_hosts = []"}`)

	res := entry(t, reg, "deploy_agent").Run(context.Background(), tr.ec)
	if !res.Success || dep.calls != 3 || string(dep.got) != "all_hosts = []" {
		t.Errorf("success %v calls %d got %q", res.Success, dep.calls, dep.got)
	}
}

func TestDeployAgent_GivesUp(t *testing.T) {
	dep := &fakeDeployer{failures: 10}
	reg := registry(jobtypes.Collaborators{Deployer: dep})
	tr := execContext(t, `{"agent":"checkmk","config":"x"}`)

	res := entry(t, reg, "deploy_agent").Run(context.Background(), tr.ec)
	if res.Success || dep.calls != 4 || res.Error != "deploy checkmk: agent host unreachable" {
		t.Errorf("success %v calls %d error %q", res.Success, dep.calls, res.Error)
	}
}

func TestDeployAgent_ValidatesParams(t *testing.T) {
	dep := &fakeDeployer{}
	reg := registry(jobtypes.Collaborators{Deployer: dep})
	tr := execContext(t, `{"agent":"checkmk"}`)

	res := entry(t, reg, "deploy_agent").Run(context.Background(), tr.ec)
	if res.Success || dep.calls != 0 {
		t.Errorf("success %v calls %d", res.Success, dep.calls)
	}
}

func TestRegisterAll_Types(t *testing.T) {
	reg := registry(jobtypes.Collaborators{})
	want := []string{"backup", "deploy_agent", "run_commands", "sync_inventory"}
	if got := reg.Types(); !slices.Equal(got, want) {
		t.Errorf("types = %v, want %v", got, want)
	}
}

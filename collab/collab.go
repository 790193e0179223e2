// Package collab declares the external collaborators that executors call.
// The engine itself never talks to devices, git remotes or third-party
// APIs; it hands these interfaces to the job types that need them.
package collab

import (
	"context"
	"time"
)

// InventoryRef names the device set a template targets.
type InventoryRef struct {
	// Kind selects the resolver, e.g. "static", "nautobot", "checkmk".
	Kind string `json:"kind"`
	// Name is a saved inventory name or filter expression.
	Name string `json:"name,omitempty"`
	// Devices lists device names for the "static" kind.
	Devices []string `json:"devices,omitempty"`
}

// IsZero reports whether no inventory was configured.
func (r InventoryRef) IsZero() bool {
	return r.Kind == "" && r.Name == "" && len(r.Devices) == 0
}

// InventorySource resolves an inventory reference to device names.
type InventorySource interface {
	ResolveDevices(ctx context.Context, ref InventoryRef) ([]string, error)
}

// Credentials are decrypted device login material.
type Credentials struct {
	Username string
	Password string
}

// CredentialStore decrypts a stored credential reference.
type CredentialStore interface {
	Lookup(ctx context.Context, ref string) (Credentials, error)
}

// DeviceAutomation talks to network devices.
type DeviceAutomation interface {
	// FetchConfig returns the running configuration of a device.
	FetchConfig(ctx context.Context, device string, creds Credentials) (string, error)
	// RunCommands executes commands on a device and returns their output.
	RunCommands(ctx context.Context, device string, creds Credentials, commands []string) (map[string]string, error)
}

// GitRepository stores configuration backups.
type GitRepository interface {
	// WriteFile stages content at path in the working tree.
	WriteFile(ctx context.Context, path string, content []byte) error
	// CommitAndPush commits staged files and pushes them. It returns the
	// commit hash, or an empty hash when nothing changed.
	CommitAndPush(ctx context.Context, message string, at time.Time) (string, error)
}

// Device is an inventory record as known to a source of truth.
type Device struct {
	Name     string            `json:"name"`
	Address  string            `json:"address,omitempty"`
	Platform string            `json:"platform,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// MonitoringClient keeps the monitoring system in sync with inventory.
type MonitoringClient interface {
	ListHosts(ctx context.Context) ([]Device, error)
	UpsertHost(ctx context.Context, d Device) error
	DeleteHost(ctx context.Context, name string) error
	ActivateChanges(ctx context.Context) error
}

// DeviceSource lists devices from the source of truth.
type DeviceSource interface {
	ListDevices(ctx context.Context, names []string) ([]Device, error)
}

// AgentDeployer pushes rendered agent configuration to a host.
type AgentDeployer interface {
	Deploy(ctx context.Context, agent string, config []byte) error
}

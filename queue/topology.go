package queue

import (
	"fmt"
	"sort"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
)

// Standard queue names.
const (
	Default = "default"
	Backup  = "backup"
	Network = "network"
	Heavy   = "heavy"
)

// Topology is the static queue layout of a deployment.
type Topology struct {
	// Queues lists every queue with its limits.
	Queues []Config `json:"queues" mapstructure:"queues"`

	// Routes maps job type to queue name.
	Routes map[string]string `json:"routes" mapstructure:"routes"`

	// Fallback receives job types without a route.
	Fallback string `json:"fallback" mapstructure:"fallback"`
}

// DefaultTopology returns the four standard queues and the routes of the
// built-in job types.
func DefaultTopology() Topology {
	return Topology{
		Queues: []Config{
			{Name: Default, Concurrency: 8},
			{Name: Backup, Concurrency: 4},
			{Name: Network, Concurrency: 4, RateLimit: 5, RateBurst: 10},
			{Name: Heavy, Concurrency: 1},
		},
		Routes: map[string]string{
			"backup":         Backup,
			"run_commands":   Network,
			"sync_inventory": Default,
			"deploy_agent":   Heavy,
		},
		Fallback: Default,
	}
}

// Names returns the queue names in declaration order.
func (t Topology) Names() []string {
	names := make([]string, len(t.Queues))
	for i, q := range t.Queues {
		names[i] = q.Name
	}
	return names
}

// Validate reports routes pointing at undeclared queues.
func (t Topology) Validate() error {
	known := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" {
			return fmt.Errorf("%w: empty queue name", datenschleuder.ErrUnknownQueue)
		}
		known[q.Name] = true
	}
	if t.Fallback != "" && !known[t.Fallback] {
		return fmt.Errorf("%w: fallback %q", datenschleuder.ErrUnknownQueue, t.Fallback)
	}
	jobTypes := make([]string, 0, len(t.Routes))
	for jt := range t.Routes {
		jobTypes = append(jobTypes, jt)
	}
	sort.Strings(jobTypes)
	for _, jt := range jobTypes {
		if !known[t.Routes[jt]] {
			return fmt.Errorf("%w: %q routed to %q", datenschleuder.ErrUnknownQueue, jt, t.Routes[jt])
		}
	}
	return nil
}

// Router resolves the queue of a job type.
type Router struct {
	routes   map[string]string
	fallback string
}

// NewRouter builds a router from a topology.
func NewRouter(t Topology) *Router {
	r := &Router{routes: make(map[string]string, len(t.Routes)), fallback: t.Fallback}
	for k, v := range t.Routes {
		r.routes[k] = v
	}
	if r.fallback == "" {
		r.fallback = Default
	}
	return r
}

// HasRoute reports whether jobType has a static route.
func (r *Router) HasRoute(jobType string) bool {
	_, ok := r.routes[jobType]
	return ok
}

// Route returns the queue for jobType. An explicit override wins over the
// static table.
func (r *Router) Route(jobType, override string) string {
	if override != "" {
		return override
	}
	if q, ok := r.routes[jobType]; ok {
		return q
	}
	return r.fallback
}

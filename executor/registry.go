package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/backoff"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
)

// Entry is a registered job type with its parameter type erased.
type Entry struct {
	Type        string
	Description string
	Queue       string
	Policy      fanout.Policy
	Timeout     time.Duration
	Retries     int
	Backoff     backoff.Strategy

	handler func(ctx context.Context, ec *Context) (any, error)
	batch   func(ctx context.Context, ec *Context, devices []string) ([]fanout.DeviceResult, error)
	join    func(ctx context.Context, ec *Context, agg *fanout.Aggregate) (any, error)
}

// CanFanOut reports whether the job type declared a batch function.
func (e *Entry) CanFanOut() bool { return e.batch != nil }

// Registry maps job types to entries. Reads are safe for concurrent use;
// writes happen before Seal.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	sealed  bool
}

// NewRegistry creates an empty, unsealed registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a typed definition. It panics when the registry is sealed,
// the type is empty or already registered, or Handler is missing; these
// are startup wiring mistakes.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[P any](r *Registry, def Definition[P]) {
	if def.Type == "" {
		panic("executor: definition without type")
	}
	if def.Handler == nil {
		panic(fmt.Sprintf("executor: job type %q has no handler", def.Type))
	}

	e := &Entry{
		Type:        def.Type,
		Description: def.Description,
		Queue:       def.Queue,
		Policy:      def.Policy,
		Timeout:     def.Timeout,
		Retries:     def.Retries,
		Backoff:     def.Backoff,
	}
	if e.Policy == "" {
		e.Policy = fanout.FailOnAll
	}
	if e.Backoff == nil {
		e.Backoff = backoff.Default()
	}

	e.handler = func(ctx context.Context, ec *Context) (any, error) {
		p, err := decodeParams[P](def.Type, ec.Params)
		if err != nil {
			return nil, err
		}
		return def.Handler(ctx, ec, p)
	}
	if def.Batch != nil {
		e.batch = func(ctx context.Context, ec *Context, devices []string) ([]fanout.DeviceResult, error) {
			p, err := decodeParams[P](def.Type, ec.Params)
			if err != nil {
				return nil, err
			}
			return def.Batch(ctx, ec, p, devices)
		}
	}
	if def.Join != nil {
		e.join = func(ctx context.Context, ec *Context, agg *fanout.Aggregate) (any, error) {
			p, err := decodeParams[P](def.Type, ec.Params)
			if err != nil {
				return nil, err
			}
			return def.Join(ctx, ec, p, agg)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("executor: register %q after Seal", def.Type))
	}
	if _, dup := r.entries[def.Type]; dup {
		panic(fmt.Sprintf("executor: job type %q registered twice", def.Type))
	}
	r.entries[def.Type] = e
}

func decodeParams[P any](jobType string, raw json.RawMessage) (P, error) {
	var p P
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode params for %q: %w", jobType, err)
	}
	return p, nil
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the entry for jobType or a ValidationError wrapping
// ErrUnknownJobType.
func (r *Registry) Lookup(jobType string) (*Entry, error) {
	r.mu.RLock()
	e, ok := r.entries[jobType]
	r.mu.RUnlock()
	if !ok {
		return nil, &datenschleuder.ValidationError{
			Field:  "job_type",
			Reason: fmt.Sprintf("%q is not registered", jobType),
			Err:    datenschleuder.ErrUnknownJobType,
		}
	}
	return e, nil
}

// Types returns all registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Entries returns all entries sorted by type.
func (r *Registry) Entries() []*Entry {
	types := r.Types()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, len(types))
	for i, t := range types {
		out[i] = r.entries[t]
	}
	return out
}

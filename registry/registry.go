// Package registry tracks the engines, workers and clients running in this
// process so they can be introspected and shut down together.
package registry

import (
	"context"
	"sort"
	"sync"
)

// Kind classifies registered instances.
type Kind string

const (
	KindEngine Kind = "engine"
	KindWorker Kind = "worker"
	KindClient Kind = "client"
)

type (
	// Instance is one running engine, worker or client.
	Instance struct {
		// ID uniquely names the instance within the process.
		ID string
		// Kind is the instance role.
		Kind Kind
		// TaskQueue is the queue the instance serves.
		TaskQueue string
		// Shutdown stops the instance. May be nil.
		Shutdown func(ctx context.Context) error
	}

	// Registry is a process-scoped instance set.
	Registry struct {
		mu        sync.Mutex
		instances map[string]*Instance
	}
)

// defaultRegistry serves the package-level API.
var defaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add registers an instance, replacing any prior instance with the same ID.
func (r *Registry) Add(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
}

// Remove unregisters the instance without shutting it down.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

// List returns the registered instances sorted by ID.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByKind returns the registered instances of one kind, sorted by ID.
func (r *Registry) ByKind(kind Kind) []*Instance {
	var out []*Instance
	for _, inst := range r.List() {
		if inst.Kind == kind {
			out = append(out, inst)
		}
	}
	return out
}

// Shutdown stops every registered instance and empties the registry. The
// first error is returned; later instances still shut down.
func (r *Registry) Shutdown(ctx context.Context) error {
	insts := r.List()
	r.mu.Lock()
	r.instances = make(map[string]*Instance)
	r.mu.Unlock()

	var first error
	for _, inst := range insts {
		if inst.Shutdown == nil {
			continue
		}
		if err := inst.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Add registers an instance with the process registry.
func Add(inst *Instance) { defaultRegistry.Add(inst) }

// Remove unregisters an instance from the process registry.
func Remove(id string) { defaultRegistry.Remove(id) }

// List returns the process registry's instances.
func List() []*Instance { return defaultRegistry.List() }

// ByKind returns the process registry's instances of one kind.
func ByKind(kind Kind) []*Instance { return defaultRegistry.ByKind(kind) }

// Shutdown stops every instance registered with the process registry.
func Shutdown(ctx context.Context) error { return defaultRegistry.Shutdown(ctx) }

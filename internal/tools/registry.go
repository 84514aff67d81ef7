package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps tool names to specs. Registration is last-write-wins
// so deployments can shadow a built-in with their own version. The
// registry is read-mostly; mutate it during startup only.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[string]*Spec),
	}
}

// Register adds spec, replacing any existing spec with the same name.
func (r *Registry) Register(spec *Spec) error {
	if spec == nil || spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if spec.Fn == nil {
		return fmt.Errorf("tool %s has no callable", spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
}

// Get returns the spec for name or an UnknownToolError.
func (r *Registry) Get(name string) (*Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return spec, nil
}

// List returns all specs sorted by name.
func (r *Registry) List() []*Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]*Spec, 0, len(r.specs))
	for _, spec := range r.specs {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute resolves name and runs its callable. Lookup misses return
// UnknownToolError; failures and panics inside the callable come back
// as ToolError so the executor can record the attempt as failed.
func (r *Registry) Execute(ctx context.Context, name string, params any, ec ExecutionContext) (res *Result, err error) {
	spec, lookupErr := r.Get(name)
	if lookupErr != nil {
		return nil, lookupErr
	}

	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &ToolError{Tool: name, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	out, fnErr := spec.Fn(ctx, params, ec)
	if fnErr != nil {
		return nil, &ToolError{Tool: name, Err: fnErr}
	}
	if out == nil {
		out = &Result{}
	}
	return out, nil
}
